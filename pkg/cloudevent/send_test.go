package cloudevent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var gotType, gotSubject string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Ce-Type")
		gotSubject = r.Header.Get("Ce-Subject")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := New("previewstudio.job.complete", "previewstudio/service", "job-1", "job-1-1", map[string]any{"exitCode": 0})
	sender := NewSender(5 * time.Second)

	if err := sender.Send(context.Background(), srv.URL, event, SendOptions{}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if gotType != "previewstudio.job.complete" {
		t.Errorf("Ce-Type = %q", gotType)
	}
	if gotSubject != "job-1" {
		t.Errorf("Ce-Subject = %q", gotSubject)
	}
}

func TestSend_Signature(t *testing.T) {
	t.Parallel()

	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature-256")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := New("previewstudio.job.failed", "previewstudio/service", "job-2", "job-2-1", nil)
	sender := NewSender(5 * time.Second)

	if err := sender.Send(context.Background(), srv.URL, event, SendOptions{SigningKey: "secret"}); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("X-Signature-256 = %q, want %q", gotSig, want)
	}
}

func TestSend_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	event := New("previewstudio.job.log", "previewstudio/service", "job-3", "job-3-1", nil)
	sender := NewSender(5 * time.Second)

	err := sender.Send(context.Background(), srv.URL, event, SendOptions{})
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("Send() error = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", he.StatusCode)
	}
	if IsClientError(err) {
		t.Error("IsClientError(502) = true, want false")
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	if !IsClientError(&HTTPError{StatusCode: 404}) {
		t.Error("IsClientError(404) = false, want true")
	}
	if IsClientError(errors.New("network down")) {
		t.Error("IsClientError(non-HTTP) = true, want false")
	}
}
