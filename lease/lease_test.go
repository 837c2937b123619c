package lease

import (
	"math/rand"
	"strings"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager([]byte("secret-1234567890"))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerRejectsShortSecret(t *testing.T) {
	if _, err := NewManager([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestMintAndVerifyRoundTrip(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	label, err := m.Mint("mysvc", "inst-1", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	v, ok := m.ParseAndVerify(label, now)
	if !ok {
		t.Fatalf("ParseAndVerify failed for %q", label)
	}
	if v.Service != "mysvc" || v.Instance != "inst-1" {
		t.Fatalf("unexpected fields: %+v", v)
	}
	if v.IsExpired {
		t.Fatal("expected not expired")
	}
}

// Label-length invariant and instance-preservation property, section 8.
func TestLabelLengthInvariant(t *testing.T) {
	m := testManager(t)
	rng := rand.New(rand.NewSource(1))
	now := time.Now()
	for i := 0; i < 500; i++ {
		svc := randomASCII(rng, rng.Intn(200)+1)
		inst := randomASCII(rng, rng.Intn(200)+1)
		label, err := m.Mint(svc, inst, now.Add(time.Minute))
		if err != nil {
			t.Fatalf("Mint(%q, %q): %v", svc, inst, err)
		}
		if len(label) > MaxLabelBytes {
			t.Fatalf("label %q exceeds %d bytes", label, MaxLabelBytes)
		}
		v, ok := m.ParseAndVerify(label, now)
		if !ok {
			t.Fatalf("ParseAndVerify failed for label from (%q, %q): %q", svc, inst, label)
		}
		if v.Instance != sanitizeAndDisambiguate(inst, maxInstanceChars) {
			t.Fatalf("instance mismatch: got %q want %q", v.Instance, sanitizeAndDisambiguate(inst, maxInstanceChars))
		}
	}
}

func TestSignatureRobustness(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	label, err := m.Mint("mysvc", "inst-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	for i := range label {
		if label[i] == ';' {
			continue
		}
		tampered := []byte(label)
		tampered[i] = flip(tampered[i])
		if _, ok := m.ParseAndVerify(string(tampered), now); ok {
			t.Fatalf("tampering byte %d of %q was not detected", i, label)
		}
	}
}

func TestLeaseTamperInstanceSwap(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	label, err := m.Mint("mysvc", "inst-1", now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	tampered := strings.Replace(label, "i=inst-1", "i=hacker", 1)
	if _, ok := m.ParseAndVerify(tampered, now); ok {
		t.Fatal("expected tampered lease to fail verification")
	}
}

func TestExpirationMonotonicity(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	past, err := m.Mint("mysvc", "inst-1", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("Mint past: %v", err)
	}
	future, err := m.Mint("mysvc", "inst-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Mint future: %v", err)
	}
	vp, ok := m.ParseAndVerify(past, now)
	if !ok || !vp.IsExpired {
		t.Fatalf("expected expired lease, got %+v ok=%v", vp, ok)
	}
	vf, ok := m.ParseAndVerify(future, now)
	if !ok || vf.IsExpired {
		t.Fatalf("expected live lease, got %+v ok=%v", vf, ok)
	}
}

func TestParseAndVerifyRejectsMalformed(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	cases := []string{
		"",
		"garbage",
		"s=svc;i=inst;e=notanumber;g=abc",
		"s=svc;i=inst;e=123",
	}
	for _, c := range cases {
		if _, ok := m.ParseAndVerify(c, now); ok {
			t.Fatalf("expected rejection for %q", c)
		}
	}
}

func flip(b byte) byte {
	if b == 'a' {
		return 'b'
	}
	return 'a'
}

func randomASCII(rng *rand.Rand, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*()_-:; "
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
