package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStrictIPv4(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"192.168.1.10", true},
		{"0.0.0.0", true},
		{"255.255.255.255", true},
		{"256.1.1.1", false},
		{"1.2.3", false},
		{"::1", false},
		{"::ffff:1.2.3.4", false},
		{"1.2.3.4 ", false},
		{"01.2.3.4.5", false},
		{"", false},
		{"abc", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.valid, IsStrictIPv4(tt.input))
		})
	}
}

func TestIsOrderReference(t *testing.T) {
	assert.True(t, IsOrderReference("a1b2c3d4e5f6"))
	assert.False(t, IsOrderReference("short"))
	assert.False(t, IsOrderReference("has-hyphen-123"))
}

type blockRequest struct {
	IP       string `json:"ip" validate:"required,strict_ipv4"`
	Currency string `json:"currency" validate:"required,currency"`
	Ref      string `json:"ref" validate:"omitempty,orderref"`
	Password string `json:"password" validate:"omitempty,strong_password"`
}

func TestStruct(t *testing.T) {
	tests := []struct {
		name    string
		input   blockRequest
		wantErr string
	}{
		{name: "valid", input: blockRequest{IP: "10.0.0.1", Currency: "TRY"}},
		{name: "ipv6_rejected", input: blockRequest{IP: "fe80::1", Currency: "TRY"}, wantErr: "IP must be a dotted-quad IPv4 address"},
		{name: "unknown_currency", input: blockRequest{IP: "10.0.0.1", Currency: "XYZ"}, wantErr: "Currency is not a supported currency"},
		{name: "missing_ip", input: blockRequest{Currency: "TRY"}, wantErr: "IP is required"},
		{name: "weak_password", input: blockRequest{IP: "10.0.0.1", Currency: "TRY", Password: "password"}, wantErr: "Password must contain"},
		{name: "bad_ref", input: blockRequest{IP: "10.0.0.1", Currency: "EUR", Ref: "x-y"}, wantErr: "Ref must be an alphanumeric order reference"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Struct(tt.input)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
