package config

import (
	"errors"
	"fmt"
	"os"

	"vsla/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Settings are the association rules the engine enforces.
type Settings struct {
	SharePrice           decimal.Decimal
	MinSharesPerMeeting  int64
	MaxSharesPerMeeting  int64
	DefaultPenaltyAmount decimal.Decimal
	DefaultWelfareAmount decimal.Decimal
	AdministrativeCost   decimal.Decimal
	NegativePayoutPolicy core.NegativePayoutPolicy
}

// settingsFile is the on-disk YAML shape. Amounts are read as text so no
// value passes through a float.
type settingsFile struct {
	SharePrice           string `yaml:"share_price"`
	MinSharesPerMeeting  *int64 `yaml:"min_shares_per_meeting"`
	MaxSharesPerMeeting  *int64 `yaml:"max_shares_per_meeting"`
	DefaultPenaltyAmount string `yaml:"default_penalty_amount"`
	DefaultWelfareAmount string `yaml:"default_welfare_amount"`
	AdministrativeCost   string `yaml:"administrative_cost"`
	NegativePayoutPolicy string `yaml:"negative_payout_policy"`
}

func DefaultSettings() Settings {
	return Settings{
		SharePrice:           decimal.NewFromInt(10),
		MinSharesPerMeeting:  1,
		MaxSharesPerMeeting:  5,
		DefaultPenaltyAmount: decimal.Zero,
		DefaultWelfareAmount: decimal.Zero,
		AdministrativeCost:   decimal.Zero,
		NegativePayoutPolicy: core.PolicyCarryForward,
	}
}

// LoadSettings reads the YAML settings file at path over the defaults. An
// empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read settings file: %w", err)
	}
	var f settingsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return s, fmt.Errorf("parse settings file %s: %w", path, err)
	}

	var errs []error
	setDecimal := func(dst *decimal.Decimal, name, value string) {
		if value == "" {
			return
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid decimal %q", name, value))
			return
		}
		*dst = d
	}
	setDecimal(&s.SharePrice, "share_price", f.SharePrice)
	setDecimal(&s.DefaultPenaltyAmount, "default_penalty_amount", f.DefaultPenaltyAmount)
	setDecimal(&s.DefaultWelfareAmount, "default_welfare_amount", f.DefaultWelfareAmount)
	setDecimal(&s.AdministrativeCost, "administrative_cost", f.AdministrativeCost)
	if f.MinSharesPerMeeting != nil {
		s.MinSharesPerMeeting = *f.MinSharesPerMeeting
	}
	if f.MaxSharesPerMeeting != nil {
		s.MaxSharesPerMeeting = *f.MaxSharesPerMeeting
	}
	if f.NegativePayoutPolicy != "" {
		s.NegativePayoutPolicy = core.NegativePayoutPolicy(f.NegativePayoutPolicy)
	}

	if err := errors.Join(errs...); err != nil {
		return s, fmt.Errorf("settings file %s: %w", path, err)
	}
	return s, nil
}

func (s Settings) withEnvOverrides() Settings {
	if v := os.Getenv("VSLA_SHARE_PRICE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			s.SharePrice = d
		}
	}
	s.MinSharesPerMeeting = int64(getEnvInt("VSLA_MIN_SHARES", int(s.MinSharesPerMeeting)))
	s.MaxSharesPerMeeting = int64(getEnvInt("VSLA_MAX_SHARES", int(s.MaxSharesPerMeeting)))
	if v := os.Getenv("VSLA_DEFAULT_PENALTY"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			s.DefaultPenaltyAmount = d
		}
	}
	if v := os.Getenv("VSLA_DEFAULT_WELFARE"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			s.DefaultWelfareAmount = d
		}
	}
	if v := os.Getenv("VSLA_ADMIN_COST"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			s.AdministrativeCost = d
		}
	}
	if v := os.Getenv("VSLA_NEGATIVE_PAYOUT_POLICY"); v != "" {
		s.NegativePayoutPolicy = core.NegativePayoutPolicy(v)
	}
	return s
}

func (s Settings) problems() []string {
	var out []string
	if !s.SharePrice.IsPositive() {
		out = append(out, fmt.Sprintf("invalid share price %s: must be positive", s.SharePrice))
	}
	if s.MinSharesPerMeeting < 1 {
		out = append(out, fmt.Sprintf("invalid min shares per meeting %d: must be at least 1", s.MinSharesPerMeeting))
	}
	if s.MaxSharesPerMeeting < s.MinSharesPerMeeting {
		out = append(out, fmt.Sprintf("invalid max shares per meeting %d: must be at least %d", s.MaxSharesPerMeeting, s.MinSharesPerMeeting))
	}
	if s.DefaultPenaltyAmount.IsNegative() {
		out = append(out, "default penalty amount cannot be negative")
	}
	if s.DefaultWelfareAmount.IsNegative() {
		out = append(out, "default welfare amount cannot be negative")
	}
	if s.AdministrativeCost.IsNegative() {
		out = append(out, "administrative cost cannot be negative")
	}
	if err := s.NegativePayoutPolicy.Validate(); err != nil {
		out = append(out, err.Error())
	}
	return out
}
