package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/klytics/sheetkit/internal/config"
)

func TestFromConfig(t *testing.T) {
	var c config.Config
	if _, err := FromConfig(&c); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("empty config err = %v", err)
	}
	c.SMTP.Host = "mail.example.com"
	c.SMTP.From = "bad"
	if _, err := FromConfig(&c); err == nil {
		t.Error("expected error for invalid from address")
	}
	c.SMTP.From = "sheetkit@example.com"
	sc, err := FromConfig(&c)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Port != 587 {
		t.Errorf("default port = %d", sc.Port)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		ok   bool
	}{
		{"ok", Message{To: []string{"a@example.com"}, Subject: "hi"}, true},
		{"no recipients", Message{Subject: "hi"}, false},
		{"bad to", Message{To: []string{"nope"}}, false},
		{"bad cc", Message{To: []string{"a@example.com"}, CC: []string{"x"}}, false},
		{"header injection", Message{To: []string{"a@example.com"}, Subject: "hi\r\nBcc: evil@example.com"}, false},
	}
	for _, tt := range tests {
		err := tt.msg.Validate()
		if (err == nil) != tt.ok {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}

func TestSendBuildsMIME(t *testing.T) {
	s := NewSender(Config{Host: "mail.example.com", Port: 587, From: "sheetkit@example.com"})
	var gotTo []string
	var gotMsg string
	s.deliver = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "mail.example.com:587" {
			t.Errorf("addr = %s", addr)
		}
		gotTo, gotMsg = to, string(msg)
		return nil
	}
	err := s.Send(context.Background(), Message{
		To: []string{"sec@example.com"}, CC: []string{"ops@example.com"},
		Subject: "Incident", Body: "details",
		Attachments: []Attachment{{Name: "incident.json", ContentType: "application/json", Data: []byte(`{}`)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(gotTo) != 2 {
		t.Errorf("recipients = %v", gotTo)
	}
	for _, want := range []string{"Subject: Incident", "Cc: ops@example.com", `filename="incident.json"`, "details"} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}
