package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"mailpipeline/internal/guard"
	"mailpipeline/pkg/circuitbreaker"
)

func TestComposeAlternative(t *testing.T) {
	env := Envelope{
		AccountID: 1,
		FromName:  "Clínica Exemplo",
		FromEmail: "news@example.com",
		ReplyTo:   "reply@example.com",
		ToName:    "Ana",
		ToEmail:   "ana@example.org",
		Subject:   "Feliz aniversário",
		Text:      "Parabéns!",
		HTML:      "<p>Parabéns!</p>",
		Headers:   map[string]string{"X-Campaign": "birthday"},
	}

	raw, messageID, err := Compose(env, time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if messageID == "" {
		t.Fatal("empty message id")
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader: %v", err)
	}
	subject, _ := r.Header.Subject()
	if subject != env.Subject {
		t.Fatalf("subject = %q", subject)
	}
	if got := r.Header.Get("X-Campaign"); got != "birthday" {
		t.Fatalf("X-Campaign = %q", got)
	}
	if id, _ := r.Header.MessageID(); id != messageID {
		t.Fatalf("Message-ID = %q, want %q", id, messageID)
	}
	to, _ := r.Header.AddressList("To")
	if len(to) != 1 || to[0].Address != "ana@example.org" {
		t.Fatalf("to = %v", to)
	}

	var types []string
	for {
		p, err := r.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		ct, _, _ := p.Header.(*mail.InlineHeader).ContentType()
		body, _ := io.ReadAll(p.Body)
		if !strings.Contains(string(body), "Parabéns!") {
			t.Fatalf("%s body = %q", ct, body)
		}
		types = append(types, ct)
	}
	if len(types) != 2 || types[0] != "text/plain" || types[1] != "text/html" {
		t.Fatalf("parts = %v", types)
	}
}

func TestComposeSinglePart(t *testing.T) {
	raw, _, err := Compose(Envelope{FromEmail: "a@example.com", ToEmail: "b@example.org", Subject: "x", HTML: "<b>hi</b>"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("Content-Type: text/html")) {
		t.Fatalf("missing html content type:\n%s", raw)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want guard.Classification
	}{
		{"nil", nil, guard.ClassNone},
		{"smtp 550", &smtp.SMTPError{Code: 550, Message: "no such user"}, guard.ClassHardBounce},
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "try later"}, guard.ClassSoftBounce},
		{"wrapped 452", fmt.Errorf("send: %w", &smtp.SMTPError{Code: 452, Message: "full"}), guard.ClassSoftBounce},
		{"breaker open", circuitbreaker.ErrCircuitBreakerOpen, guard.ClassSoftBounce},
		{"text soft", errors.New("Rate limit exceeded, try again"), guard.ClassSoftBounce},
		{"text unknown", errors.New("something odd"), guard.ClassHardBounce},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
