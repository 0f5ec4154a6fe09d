package transport

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/btcseed/crawler/address"
)

func TestCJDNSDialerRejectsNonCJDNSAddress(t *testing.T) {
	addr, err := address.ParseHostPort("1.2.3.4:8333")
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}
	d := CJDNSDialer{}
	if _, err := d.Open(context.Background(), addr, time.Second); err == nil {
		t.Fatal("expected error for non-CJDNS address, got nil")
	}
}

func TestCJDNSDialerAcceptsInRangeAddressPastValidation(t *testing.T) {
	// fc00::1 is a valid CJDNS-range literal; there's no real CJDNS peer to
	// dial in a test sandbox, so this only confirms the range check passes
	// and the subsequent failure comes from the dial itself, not from Open
	// rejecting the address outright.
	cjdnsAddr, err := address.ParseHostPort("[fc00::1]:8333")
	if err != nil {
		t.Fatalf("ParseHostPort: %v", err)
	}
	if cjdnsAddr.Kind() != address.CJDNS {
		t.Fatalf("expected CJDNS kind, got %v", cjdnsAddr.Kind())
	}

	d := CJDNSDialer{}
	_, err = d.Open(context.Background(), cjdnsAddr, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected dial to fc00::1 to fail in test sandbox")
	}
	if !strings.HasPrefix(err.Error(), "dial ") {
		t.Fatalf("expected a dial error past range validation, got %v", err)
	}
}
