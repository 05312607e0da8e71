// Package venue describes the broker UI: where pages live, which selectors
// identify each element, and how signal symbols map to venue instruments.
package venue

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"execution-core/internal/driver"
)

// Selectors names every element the session manager and engine touch.
type Selectors struct {
	Username    driver.SelectorSet `yaml:"username"`
	Password    driver.SelectorSet `yaml:"password"`
	LoginSubmit driver.SelectorSet `yaml:"login_submit"`
	LoginError  driver.SelectorSet `yaml:"login_error"`
	// AuthMarker is only rendered for an authenticated user.
	AuthMarker driver.SelectorSet `yaml:"auth_marker"`

	OpenOrder  driver.SelectorSet `yaml:"open_order"`
	Instrument driver.SelectorSet `yaml:"instrument"`
	Buy        driver.SelectorSet `yaml:"buy"`
	Sell       driver.SelectorSet `yaml:"sell"`
	Quantity   driver.SelectorSet `yaml:"quantity"`
	StopLoss   driver.SelectorSet `yaml:"stop_loss"`
	TakeProfit driver.SelectorSet `yaml:"take_profit"`
	Comment    driver.SelectorSet `yaml:"comment"`
	Submit     driver.SelectorSet `yaml:"submit"`

	Confirmed    driver.SelectorSet `yaml:"confirmed"`
	Rejected     driver.SelectorSet `yaml:"rejected"`
	BrokerRef    driver.SelectorSet `yaml:"broker_ref"`
	RejectReason driver.SelectorSet `yaml:"reject_reason"`
	PositionRows driver.SelectorSet `yaml:"position_rows"`
}

// Venue is the full UI description loaded from VENUE_FILE.
type Venue struct {
	Name         string            `yaml:"name"`
	LoginURL     string            `yaml:"login_url"`
	TradeURL     string            `yaml:"trade_url"`
	PositionsURL string            `yaml:"positions_url"`
	Selectors    Selectors         `yaml:"selectors"`
	Instruments  map[string]string `yaml:"instruments"`
	// CommentPrefix precedes the correlation id in the order comment field.
	CommentPrefix string `yaml:"comment_prefix"`
	// RowRefPattern extracts the broker reference from a position row; group 1 wins.
	RowRefPattern string `yaml:"row_ref_pattern"`

	rowRef *regexp.Regexp
}

// Default returns the layout of the reference venue, also served by the simulator.
func Default() *Venue {
	v := &Venue{
		Name:         "reference",
		LoginURL:     "https://venue.example/login",
		TradeURL:     "https://venue.example/trade",
		PositionsURL: "https://venue.example/positions",
		Selectors: Selectors{
			Username:     driver.SelectorSet{"#login-username", "input[name=username]"},
			Password:     driver.SelectorSet{"#login-password", "input[type=password]"},
			LoginSubmit:  driver.SelectorSet{"#login-submit", "button[type=submit]"},
			LoginError:   driver.SelectorSet{".login-error"},
			AuthMarker:   driver.SelectorSet{"#account-menu", "[data-auth=true]"},
			OpenOrder:    driver.SelectorSet{"#new-order"},
			Instrument:   driver.SelectorSet{"#order-instrument"},
			Buy:          driver.SelectorSet{"#order-side-buy"},
			Sell:         driver.SelectorSet{"#order-side-sell"},
			Quantity:     driver.SelectorSet{"#order-quantity"},
			StopLoss:     driver.SelectorSet{"#order-stop-loss"},
			TakeProfit:   driver.SelectorSet{"#order-take-profit"},
			Comment:      driver.SelectorSet{"#order-comment"},
			Submit:       driver.SelectorSet{"#order-submit"},
			Confirmed:    driver.SelectorSet{".order-accepted", "#positions .row-new"},
			Rejected:     driver.SelectorSet{".order-rejected"},
			BrokerRef:    driver.SelectorSet{".order-accepted .ticket"},
			RejectReason: driver.SelectorSet{".order-rejected .reason"},
			PositionRows: driver.SelectorSet{"#positions tbody"},
		},
		Instruments: map[string]string{
			"EURUSD": "EUR/USD",
			"GBPUSD": "GBP/USD",
			"USDJPY": "USD/JPY",
			"XAUUSD": "XAU/USD",
		},
		CommentPrefix: "cid:",
		RowRefPattern: `^(\S+)`,
	}
	v.rowRef = regexp.MustCompile(v.RowRefPattern)
	return v
}

// Load reads a venue file; fields it leaves empty keep their Default values.
// A missing file yields Default.
func Load(path string) (*Venue, error) {
	v := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read venue file: %w", err)
	}

	var file Venue
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse venue file %s: %w", path, err)
	}
	v.merge(&file)
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("venue file %s: %w", path, err)
	}
	return v, nil
}

func (v *Venue) merge(f *Venue) {
	setString(&v.Name, f.Name)
	setString(&v.LoginURL, f.LoginURL)
	setString(&v.TradeURL, f.TradeURL)
	setString(&v.PositionsURL, f.PositionsURL)
	setString(&v.CommentPrefix, f.CommentPrefix)
	setString(&v.RowRefPattern, f.RowRefPattern)
	if len(f.Instruments) > 0 {
		// The instrument table is replaced, not merged: an unlisted symbol must stay unmapped.
		v.Instruments = f.Instruments
	}

	d, s := &v.Selectors, f.Selectors
	for _, p := range []struct {
		dst *driver.SelectorSet
		src driver.SelectorSet
	}{
		{&d.Username, s.Username}, {&d.Password, s.Password}, {&d.LoginSubmit, s.LoginSubmit},
		{&d.LoginError, s.LoginError}, {&d.AuthMarker, s.AuthMarker}, {&d.OpenOrder, s.OpenOrder},
		{&d.Instrument, s.Instrument}, {&d.Buy, s.Buy}, {&d.Sell, s.Sell}, {&d.Quantity, s.Quantity},
		{&d.StopLoss, s.StopLoss}, {&d.TakeProfit, s.TakeProfit}, {&d.Comment, s.Comment},
		{&d.Submit, s.Submit}, {&d.Confirmed, s.Confirmed}, {&d.Rejected, s.Rejected},
		{&d.BrokerRef, s.BrokerRef}, {&d.RejectReason, s.RejectReason}, {&d.PositionRows, s.PositionRows},
	} {
		if len(p.src) > 0 {
			*p.dst = p.src
		}
	}
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

// Validate compiles the row pattern and checks required URLs.
func (v *Venue) Validate() error {
	if v.LoginURL == "" || v.TradeURL == "" || v.PositionsURL == "" {
		return errors.New("login_url, trade_url and positions_url are required")
	}
	re, err := regexp.Compile(v.RowRefPattern)
	if err != nil {
		return fmt.Errorf("row_ref_pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return errors.New("row_ref_pattern needs a capture group")
	}
	v.rowRef = re
	return nil
}

// Instrument maps a signal symbol to the venue instrument code.
func (v *Venue) Instrument(symbol string) (string, bool) {
	code, ok := v.Instruments[strings.ToUpper(strings.TrimSpace(symbol))]
	return code, ok && code != ""
}

// CommentTag is the text typed into the order comment for correlationID.
func (v *Venue) CommentTag(correlationID string) string {
	return v.CommentPrefix + correlationID
}

// FindTagged scans position-list text for a row carrying correlationID's tag
// and returns that row's broker reference.
func (v *Venue) FindTagged(listText, correlationID string) (string, bool) {
	tag := v.CommentTag(correlationID)
	for _, line := range strings.Split(listText, "\n") {
		if !containsField(line, tag) {
			continue
		}
		if m := v.rowRef.FindStringSubmatch(strings.TrimSpace(line)); len(m) > 1 {
			return m[1], true
		}
		return "", true
	}
	return "", false
}

// containsField matches tag as a whole whitespace-separated field so "cid:c1"
// does not match "cid:c10".
func containsField(line, tag string) bool {
	for _, f := range strings.Fields(line) {
		if f == tag {
			return true
		}
	}
	return false
}
