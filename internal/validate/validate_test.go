package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestNetworkName(t *testing.T) {
	valid := []string{"heartwood", "net-1", "a", "x0", strings.Repeat("a", 63)}
	for _, name := range valid {
		if err := NetworkName(name); err != nil {
			t.Errorf("NetworkName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "-leading", "trailing-", "UPPER", "has space", "a/b", strings.Repeat("a", 64)}
	for _, name := range invalid {
		if err := NetworkName(name); !errors.Is(err, ErrInvalidNetworkName) {
			t.Errorf("NetworkName(%q) = %v, want ErrInvalidNetworkName", name, err)
		}
	}
}

func TestHandle(t *testing.T) {
	valid := []string{"cloudhead", "bob", "a-b-c", "x9"}
	for _, name := range valid {
		if err := Handle(name); err != nil {
			t.Errorf("Handle(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "Cloudhead", "-x", "x-", "a b", "a/b", strings.Repeat("a", 33)}
	for _, name := range invalid {
		if err := Handle(name); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("Handle(%q) = %v, want ErrInvalidHandle", name, err)
		}
	}
}

func TestProjectName(t *testing.T) {
	valid := []string{"heartwood", "peerd.rs", "shia_le_pathbuf", "Radicle-1"}
	for _, name := range valid {
		if err := ProjectName(name); err != nil {
			t.Errorf("ProjectName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", ".hidden", "a..b", "a/b", "-x", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ProjectName(name); !errors.Is(err, ErrInvalidProjectName) {
			t.Errorf("ProjectName(%q) = %v, want ErrInvalidProjectName", name, err)
		}
	}
}

func TestRefName(t *testing.T) {
	valid := []string{"refs/heads/main", "refs/heads/it", "refs/rad/signed_refs", "refs/tags/v1.0.0"}
	for _, ref := range valid {
		if err := RefName(ref); err != nil {
			t.Errorf("RefName(%q) = %v, want nil", ref, err)
		}
	}

	invalid := []string{"", "/leading", "trailing/", "refs/heads/a..b", "refs/heads/a b", "refs/heads/a@{1}", "refs/heads/a.lock", "refs/heads/a~1", "refs/heads/a:b"}
	for _, ref := range invalid {
		if err := RefName(ref); !errors.Is(err, ErrInvalidRefName) {
			t.Errorf("RefName(%q) = %v, want ErrInvalidRefName", ref, err)
		}
	}
}
