package pool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPickSuperModelOnlyFromSuperPool(t *testing.T) {
	p := New([]Credential{
		{Name: "b1", Tier: TierBasic, Cookie: "c1"},
		{Name: "s1", Tier: TierSuper, Cookie: "c2"},
		{Name: "s2", Tier: TierSuper, Cookie: "c3"},
	}, []string{"grok-4-heavy"})

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		c, err := p.Pick("grok-4-heavy")
		if err != nil {
			t.Fatal(err)
		}
		seen[c.Name]++
	}
	if seen["b1"] != 0 {
		t.Error("super-tier model must never draw a basic credential")
	}
	if seen["s1"] != 2 || seen["s2"] != 2 {
		t.Errorf("round-robin over super pool broken: %v", seen)
	}
}

func TestPickBasicFallsBackToSuper(t *testing.T) {
	p := New([]Credential{{Name: "s1", Tier: TierSuper, Cookie: "c"}}, nil)
	c, err := p.Pick("grok-3")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "s1" {
		t.Errorf("picked %s, want super fallback", c.Name)
	}
}

func TestPickNoCredential(t *testing.T) {
	p := New(nil, []string{"grok-4-heavy"})
	if _, err := p.Pick("grok-4-heavy"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
	if _, err := p.Pick("grok-3"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.txt")
	content := "# comment\n\nacct1:basic:sso=aaa\nacct2:super:sso=bbb; other=1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 {
		t.Fatalf("got %d credentials, want 2", len(creds))
	}
	if creds[1].Tier != TierSuper || creds[1].Cookie != "sso=bbb; other=1" {
		t.Errorf("second credential = %+v", creds[1])
	}
}

func TestLoadFileRejectsUnknownTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.txt")
	if err := os.WriteFile(path, []byte("acct:gold:cookie\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("want error for unknown tier")
	}
}
