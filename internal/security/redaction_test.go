package security_test

import (
	"strings"
	"testing"

	"github.com/g960059/autoclick/internal/security"
)

func TestRedactPayload(t *testing.T) {
	in := `token=abc123 access_token="quoted-token" password:supersecret Authorization: Basic dXNlcjpwYXNz {"refresh_token":"jsonsecret","api_key":"jsonkey"}`
	out := security.RedactPayload(in)
	if strings.Contains(out, "abc123") || strings.Contains(out, "quoted-token") || strings.Contains(out, "supersecret") ||
		strings.Contains(out, "dXNlcjpwYXNz") ||
		strings.Contains(out, "jsonsecret") || strings.Contains(out, "jsonkey") {
		t.Fatalf("secret value leaked after redaction: %q", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %q", out)
	}
}

func TestRedactPayloadMasksURLUserinfo(t *testing.T) {
	out := security.RedactPayload("dial ws://bob:hunter2@localhost:8765: connection refused")
	if strings.Contains(out, "hunter2") || strings.Contains(out, "bob") {
		t.Fatalf("userinfo leaked: %q", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Fatalf("expected non-secret text kept: %q", out)
	}
}

func TestRedactPayloadLeavesPlainTextAlone(t *testing.T) {
	in := "target 'Accept' detected (98%)"
	if out := security.RedactPayload(in); out != in {
		t.Fatalf("expected unchanged text, got %q", out)
	}
}

func TestRedactEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		mustHave string
		leak     string
	}{
		{in: "ws://localhost:8765", mustHave: "ws://localhost:8765"},
		{in: "ws://admin:pw@127.0.0.1:8765/bridge", mustHave: "127.0.0.1:8765/bridge", leak: "pw"},
		{in: "wss://bridge.local/ws?token=s3cr3t&mode=fast", mustHave: "mode=fast", leak: "s3cr3t"},
	}
	for _, tc := range cases {
		out := security.RedactEndpoint(tc.in)
		if !strings.Contains(out, tc.mustHave) {
			t.Fatalf("RedactEndpoint(%q) = %q, missing %q", tc.in, out, tc.mustHave)
		}
		if tc.leak != "" && strings.Contains(out, tc.leak) {
			t.Fatalf("RedactEndpoint(%q) leaked %q: %q", tc.in, tc.leak, out)
		}
	}
	if security.RedactEndpoint("  ") != "" {
		t.Fatalf("expected empty endpoint to stay empty")
	}
}
