package db

import "fmt"

var transitions = map[Status][]Status{
	StatusActive:   {StatusInactive, StatusRevoked, StatusExpired},
	StatusInactive: {StatusActive, StatusRevoked},
	StatusExpired:  {StatusRevoked},
}

// CanTransition reports whether a key may move from one status to another.
// Revoked is terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusActive, StatusInactive, StatusRevoked, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown key status %q", s)
}

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderOpenAI, ProviderGemini, ProviderAnthropic, ProviderAzureOpenAI, ProviderCustom:
		return p, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}
