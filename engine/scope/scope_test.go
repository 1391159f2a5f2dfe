package scope

import "testing"

func TestScopeVectorTag(t *testing.T) {
	cases := []struct {
		principal, tags, want string
	}{
		{"", "alpha,beta", "alpha,beta"},
		{"alice", "alpha,beta", "alice|alpha,beta"},
	}
	for _, c := range cases {
		if got := ScopeVectorTag(c.principal, c.tags); got != c.want {
			t.Errorf("ScopeVectorTag(%q,%q) = %q, want %q", c.principal, c.tags, got, c.want)
		}
	}
}

func TestScopeChainTags(t *testing.T) {
	cases := []struct {
		principal, tags, want string
	}{
		{"", "alpha,beta", "alpha,beta"},
		{"alice", "alpha,beta", "alpha,beta,principal:alice"},
	}
	for _, c := range cases {
		if got := ScopeChainTags(c.principal, c.tags); got != c.want {
			t.Errorf("ScopeChainTags(%q,%q) = %q, want %q", c.principal, c.tags, got, c.want)
		}
	}
}

func TestIsOwnedBy(t *testing.T) {
	tags := "alice|alpha,beta"
	if !IsOwnedBy(tags, "alice") {
		t.Error("expected alice to own alice-scoped tag")
	}
	if IsOwnedBy(tags, "bob") {
		t.Error("expected bob not to own alice-scoped tag")
	}
	if !IsOwnedBy(tags, "") {
		t.Error("expected absent principal to own every hit")
	}
}

func TestValidatePrincipal(t *testing.T) {
	cases := []struct {
		p     string
		valid bool
	}{
		{"", false},
		{"alice", true},
		{"al|ice", false},
		{"al,ice", false},
		{"al ice", false},
		{"alice\t", false},
	}
	for _, c := range cases {
		if got := ValidatePrincipal(c.p); got != c.valid {
			t.Errorf("ValidatePrincipal(%q) = %v, want %v", c.p, got, c.valid)
		}
	}
}

func TestScopeVectorTagRoundTrip(t *testing.T) {
	principal := "alice"
	scoped := ScopeVectorTag(principal, "alpha,beta")
	if got := UnscopeVectorTag(principal, scoped); got != "alpha,beta" {
		t.Errorf("round trip failed: got %q", got)
	}
}
