package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("upstream unavailable"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("too many requests"), 429)
	wrapped := fmt.Errorf("invoke claude: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_PermanentWins(t *testing.T) {
	err := NewPermanentError(NewTransientError(errors.New("rate limit"), 429), "content policy")
	if IsTransient(err) {
		t.Error("PermanentError must override transient signals")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid request: max_tokens too large")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_Syscalls(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if !IsTransient(fmt.Errorf("dial tcp: %w", errno)) {
			t.Errorf("%v should be transient", errno)
		}
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, p := range []string{
		"connection reset by peer",
		"TLS handshake timeout",
		"i/o timeout",
		"Rate limit exceeded for model",
		"Overloaded",
		"RESOURCE EXHAUSTED: quota",
	} {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504, 529} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to not be transient", code)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("upstream said no")

	if err := ClassifyStatus(base, 429); !IsTransient(err) {
		t.Errorf("429 should classify transient, got %v", err)
	}

	err := ClassifyStatus(base, 400)
	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("400 should classify permanent, got %T", err)
	}
	if !errors.Is(err, base) {
		t.Error("classification must keep the original error in the chain")
	}

	if err := ClassifyStatus(base, 0); err != base {
		t.Errorf("status 0 should leave error untouched, got %v", err)
	}
	if ClassifyStatus(nil, 500) != nil {
		t.Error("nil error should stay nil")
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(NewTransientError(errors.New("x"), 503)); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("bad request")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("unexpected message %q", te.Error())
	}
}

func TestPermanentError_Message(t *testing.T) {
	pe := NewPermanentError(errors.New("blocked"), "content policy")
	if pe.Error() != "content policy: blocked" {
		t.Errorf("unexpected message %q", pe.Error())
	}
}
