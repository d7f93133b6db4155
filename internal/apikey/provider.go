// Package apikey defines the one seam the core needs from the
// authentication/API-key service named as an external collaborator in
// spec.md §1 and §9 ("Encryption key material"). The core does not
// implement issuance, rotation, or verification of API keys — it only
// consumes the bytes.
package apikey

// Provider supplies the API key bytes used to bind the state store's
// encryption purpose string (internal/secretbox). Exactly the interface
// named in spec.md §9: "get_or_create_api_key() -> bytes, no more."
type Provider interface {
	GetOrCreateAPIKey() ([]byte, error)
}

// Static is a trivial Provider over a fixed key, useful for tests and for
// single-operator deployments that pin a key via configuration rather than
// delegating to a real API-key service.
type Static []byte

func (s Static) GetOrCreateAPIKey() ([]byte, error) { return []byte(s), nil }
