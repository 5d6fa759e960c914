package config

import "testing"

func TestValidateRequiresBrokerURL(t *testing.T) {
	c := &Config{Auth: Auth{Mode: AuthSessionToken, SessionToken: "t"}, VerifySignatures: VerifyAuto}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an empty broker URL")
	}
	c.BrokerURL = "wss://broker.example/ws"
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsUnknownVerifyMode(t *testing.T) {
	c := &Config{BrokerURL: "wss://broker.example/ws", VerifySignatures: VerifyMode("bogus"), Auth: Auth{Mode: AuthSessionToken, SessionToken: "t"}}
	if err := c.Validate(); err == nil {
		t.Fatal("expected an error for an unknown verify mode")
	}
}

func TestValidateRequiresMatchingAuthFields(t *testing.T) {
	cases := []struct {
		name string
		auth Auth
		ok   bool
	}{
		{"session-token-empty", Auth{Mode: AuthSessionToken}, false},
		{"session-token-set", Auth{Mode: AuthSessionToken, SessionToken: "t"}, true},
		{"private-key-empty", Auth{Mode: AuthPrivateKey}, false},
		{"api-key-empty", Auth{Mode: AuthAPIKey}, false},
		{"username-password-incomplete", Auth{Mode: AuthUsernamePassword, Username: "u"}, false},
		{"none", Auth{Mode: AuthNone}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := &Config{BrokerURL: "wss://broker.example/ws", VerifySignatures: VerifyAuto, Auth: tc.auth}
			err := c.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	c := Load()
	if c.VerifySignatures != VerifyAuto {
		t.Fatalf("VerifySignatures = %v, want VerifyAuto", c.VerifySignatures)
	}
	if !c.RetryResendOnNoResend {
		t.Fatal("expected RetryResendOnNoResend to default true")
	}
	if c.RetryResendAfter != DefaultRetryResendAfter {
		t.Fatalf("RetryResendAfter = %v", c.RetryResendAfter)
	}
}
