package bridge

import (
	"encoding/json"
	"testing"
)

func TestParseEnvelope(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want envelope
	}{
		{
			"login",
			`{"event":"login","payload":{"username":"alice"}}`,
			envelope{Event: "login", Username: "alice"},
		},
		{
			"group",
			`{"event":"group","payload":{"body":"hi all"}}`,
			envelope{Event: "group", Body: "hi all"},
		},
		{
			"private",
			`{"event":"private","payload":{"target":"bob","body":"psst"}}`,
			envelope{Event: "private", Target: "bob", Body: "psst"},
		},
		{
			"exit",
			`{"event":"exit"}`,
			envelope{Event: "exit"},
		},
		{
			"garbage fields ignored",
			`{"event":"group","payload":{"body":"x","extra":42}}`,
			envelope{Event: "group", Body: "x"},
		},
		{
			"not json",
			`hello`,
			envelope{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseEnvelope([]byte(tc.raw)); got != tc.want {
				t.Errorf("parseEnvelope(%s) = %+v, want %+v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestLoginResultEnvelope(t *testing.T) {
	b, err := json.Marshal(loginResult(false, "用户名已被占用", []string{"alice"}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	got := string(b)
	want := `{"event":"login_result","payload":{"ok":false,"reason":"用户名已被占用","roster":["alice"]}}`
	if got != want {
		t.Errorf("login result envelope = %s, want %s", got, want)
	}
}
