package logger

import "testing"

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	kv := sanitizeKVs([]interface{}{"user_id", "u1", "api_key", "abc", "Authorization", "Bearer x", "dangling"})
	if len(kv) != 7 {
		t.Fatalf("expected 7 items, got %d", len(kv))
	}
	if kv[1] != "u1" {
		t.Fatalf("expected user_id untouched, got %v", kv[1])
	}
	if kv[3] != "[REDACTED]" || kv[5] != "[REDACTED]" {
		t.Fatalf("expected secrets redacted, got %v %v", kv[3], kv[5])
	}
	if kv[6] != "dangling" {
		t.Fatalf("expected trailing key kept, got %v", kv[6])
	}
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"production", "development"} {
		l, err := New(mode)
		if err != nil {
			t.Fatalf("new %s: %v", mode, err)
		}
		l.With("component", "test").Debug("hello", "token", "secret")
	}
}
