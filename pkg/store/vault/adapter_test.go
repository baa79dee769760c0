package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	vaultapi "github.com/hashicorp/vault/api"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
)

func TestNewAdapterValidation(t *testing.T) {
	if _, err := NewAdapter(Config{}); !verrors.IsCode(err, verrors.CodeInvalidConfig) {
		t.Fatalf("expected invalid_config for missing address, got %v", err)
	}
}

func TestNewAdapterDefaultsMounts(t *testing.T) {
	a, err := NewAdapter(Config{Address: "http://127.0.0.1:8200"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if a.kvMount != "secret" {
		t.Fatalf("expected default kv mount %q, got %q", "secret", a.kvMount)
	}
	if a.dbMount != "database" {
		t.Fatalf("expected default database mount %q, got %q", "database", a.dbMount)
	}
}

func TestNewAdapterCustomMounts(t *testing.T) {
	a, err := NewAdapter(Config{
		Address:       "http://127.0.0.1:8200",
		KVMount:       "kv",
		DatabaseMount: "postgres",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if a.kvMount != "kv" || a.dbMount != "postgres" {
		t.Fatalf("expected configured mounts, got kv=%q db=%q", a.kvMount, a.dbMount)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code verrors.Code
	}{
		{"forbidden", &vaultapi.ResponseError{StatusCode: http.StatusForbidden}, verrors.CodeUnauthorized},
		{"unauthorized", &vaultapi.ResponseError{StatusCode: http.StatusUnauthorized}, verrors.CodeUnauthorized},
		{"not found", &vaultapi.ResponseError{StatusCode: http.StatusNotFound}, verrors.CodeSecretNotFound},
		{"server error", &vaultapi.ResponseError{StatusCode: http.StatusInternalServerError}, verrors.CodeStoreUnavailable},
		{"transport failure", fmt.Errorf("connection refused"), verrors.CodeStoreUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapError(tc.err, "request failed")
			if !verrors.IsCode(mapped, tc.code) {
				t.Fatalf("expected code %s, got %v", tc.code, mapped)
			}
		})
	}
}

func TestMapErrorPreservesCause(t *testing.T) {
	cause := &vaultapi.ResponseError{StatusCode: http.StatusForbidden}
	mapped := mapError(cause, "request failed")

	var typed *verrors.Error
	if !errors.As(mapped, &typed) {
		t.Fatalf("expected typed error, got %T", mapped)
	}
	if typed.Unwrap() != cause {
		t.Fatal("expected the original response error to be preserved")
	}
}

func TestToInt(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want int
	}{
		{"json number", json.Number("3600"), 3600},
		{"float64", float64(60), 60},
		{"int", 42, 42},
		{"int64", int64(7), 7},
		{"garbage json number", json.Number("abc"), 0},
		{"string", "3600", 0},
		{"nil", nil, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := toInt(tc.in); got != tc.want {
				t.Fatalf("toInt(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}
