package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/liveness"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

type HealthStatus struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type HealthReport struct {
	Overall  string         `json:"overall"`
	Services []HealthStatus `json:"services"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found")
	}

	fmt.Println("🏥 Execution Core Health Check")
	fmt.Println("==============================")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := HealthReport{
		Overall:  "HEALTHY",
		Services: make([]HealthStatus, 0),
	}

	cfg, status := checkConfig()
	report.Services = append(report.Services, status)
	if cfg != nil {
		report.Services = append(report.Services, checkDatabase(ctx, cfg))
		report.Services = append(report.Services, checkLiveness(cfg)...)
		report.Services = append(report.Services, checkAPIServer(ctx, cfg))
		if cfg.GRPCHealthAddr != "" {
			report.Services = append(report.Services, checkGRPCHealth(ctx, cfg))
		}
	}

	for _, svc := range report.Services {
		if svc.Status == "UNHEALTHY" {
			report.Overall = "UNHEALTHY"
			break
		} else if svc.Status == "DEGRADED" && report.Overall != "UNHEALTHY" {
			report.Overall = "DEGRADED"
		}
	}

	fmt.Println("Results:")
	fmt.Println("--------")
	for _, svc := range report.Services {
		statusIcon := "✓"
		if svc.Status == "UNHEALTHY" {
			statusIcon = "✗"
		} else if svc.Status == "DEGRADED" {
			statusIcon = "⚠"
		}
		fmt.Printf("%s %-24s %s %s\n", statusIcon, svc.Service, svc.Status, svc.Message)
	}

	fmt.Println()
	fmt.Printf("Overall Status: %s\n", report.Overall)

	if len(os.Args) > 1 && os.Args[1] == "--json" {
		jsonData, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(jsonData))
	}

	if report.Overall == "UNHEALTHY" {
		os.Exit(1)
	}
}

func checkConfig() (*config.Config, HealthStatus) {
	status := HealthStatus{
		Service:   "Configuration",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	cfg, err := config.Load()
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Failed to load: %v", err)
		return nil, status
	}
	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	status.Message = fmt.Sprintf("Port=%s Mode=%s", cfg.Port, mode)
	return cfg, status
}

func checkDatabase(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "Database",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Connection failed: %v", err)
		return status
	}
	defer database.Close()

	accounts, err := database.Queries().ListAccounts(ctx)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Query failed: %v", err)
		return status
	}
	disabled := 0
	for _, a := range accounts {
		if a.Disabled {
			disabled++
		}
	}
	if disabled > 0 {
		status.Status = "DEGRADED"
	}
	status.Message = fmt.Sprintf("%d accounts, %d disabled", len(accounts), disabled)
	return status
}

// checkLiveness reads the snapshot files the running process leaves behind,
// so it works even when the API is down.
func checkLiveness(cfg *config.Config) []HealthStatus {
	store := liveness.NewStore(cfg.LivenessDir(), nil)
	if _, err := store.Load(); err != nil {
		return []HealthStatus{{
			Service:   "Liveness",
			Status:    "DEGRADED",
			Message:   fmt.Sprintf("Load failed: %v", err),
			Timestamp: time.Now(),
		}}
	}

	now := time.Now()
	var out []HealthStatus
	for _, rec := range store.All() {
		status := HealthStatus{
			Service:   liveness.ServiceName(rec.Key),
			Status:    "HEALTHY",
			Message:   rec.StatusMessage,
			Timestamp: now,
		}
		switch {
		case !rec.SessionActive:
			status.Status = "UNHEALTHY"
		case rec.Age(now) > cfg.LivenessMaxAge:
			status.Status = "DEGRADED"
			status.Message = fmt.Sprintf("last update %v ago", rec.Age(now).Round(time.Second))
		}
		out = append(out, status)
	}
	if len(out) == 0 {
		out = append(out, HealthStatus{Service: "Liveness", Status: "DEGRADED", Message: "No records", Timestamp: now})
	}
	return out
}

func checkAPIServer(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "API Server",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	url := fmt.Sprintf("http://localhost:%s/health", cfg.Port)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Not reachable: %v", err)
		return status
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		status.Status = "DEGRADED"
		status.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
		return status
	}

	status.Message = "Running"
	return status
}

func checkGRPCHealth(ctx context.Context, cfg *config.Config) HealthStatus {
	status := HealthStatus{
		Service:   "gRPC Health",
		Status:    "HEALTHY",
		Timestamp: time.Now(),
	}

	conn, err := grpc.NewClient(cfg.GRPCHealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Dial failed: %v", err)
		return status
	}
	defer conn.Close()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(cctx, &healthpb.HealthCheckRequest{Service: liveness.SupervisorKey})
	if err != nil {
		status.Status = "UNHEALTHY"
		status.Message = fmt.Sprintf("Check failed: %v", err)
		return status
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		status.Status = "DEGRADED"
	}
	status.Message = fmt.Sprintf("supervisor %s", resp.GetStatus())
	return status
}
