package did

import (
	"crypto/ed25519"
	"math/big"
	"regexp"
)

// DID syntax according to W3C DID specification:
// did = "did:" method-name ":" method-specific-id
// method-name = 1*method-char
// method-char = %x61-7A / DIGIT ; a-z / 0-9

var (
	// didRegex matches the DID syntax
	didRegex = regexp.MustCompile(`^did:([a-z0-9]+):([a-zA-Z0-9._%-]+)(?:/([^?#]*))?(?:\?([^#]*))?(?:#(.*))?$`)
)

// DID is a parsed decentralized identifier
type DID struct {
	Method     string
	Identifier string
	Path       string
	Query      string
	Fragment   string
}

// DIDError represents a DID processing error
type DIDError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DIDError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrorInvalidDID = "invalid_did"
	ErrorInvalidKey = "invalid_key"
)

// NewDIDError creates a new DID error
func NewDIDError(code, message string) *DIDError {
	return &DIDError{Code: code, Message: message}
}

// ParseDID parses a DID string into a DID struct
func ParseDID(didString string) (*DID, error) {
	if didString == "" {
		return nil, NewDIDError(ErrorInvalidDID, "DID string is empty")
	}

	matches := didRegex.FindStringSubmatch(didString)
	if matches == nil {
		return nil, NewDIDError(ErrorInvalidDID, "invalid DID syntax: "+didString)
	}

	if matches[2] == "" {
		return nil, NewDIDError(ErrorInvalidDID, "method-specific identifier is empty")
	}

	return &DID{
		Method:     matches[1],
		Identifier: matches[2],
		Path:       matches[3],
		Query:      matches[4],
		Fragment:   matches[5],
	}, nil
}

// IsValidDID checks if a string is a valid DID
func IsValidDID(didString string) bool {
	_, err := ParseDID(didString)
	return err == nil
}

// Base58 alphabet used by Bitcoin and similar systems
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	bigBase = big.NewInt(58)
	bigZero = big.NewInt(0)
)

// Base58Encode encodes bytes to base58 string
func Base58Encode(input []byte) string {
	if len(input) == 0 {
		return ""
	}

	// Count leading zeros
	zeros := 0
	for zeros < len(input) && input[zeros] == 0 {
		zeros++
	}

	num := new(big.Int).SetBytes(input)

	var result []byte
	for num.Cmp(bigZero) > 0 {
		mod := new(big.Int)
		num.DivMod(num, bigBase, mod)
		result = append(result, base58Alphabet[mod.Int64()])
	}

	// Add leading zeros as '1' characters
	for i := 0; i < zeros; i++ {
		result = append(result, '1')
	}

	// Reverse the result
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return string(result)
}

// KeyDIDFromEd25519 derives the did:key identifier of an Ed25519 public
// key: multicodec prefix 0xed01 plus the key bytes, base58-btc multibase.
func KeyDIDFromEd25519(publicKey ed25519.PublicKey) (string, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return "", NewDIDError(ErrorInvalidKey, "invalid Ed25519 public key")
	}

	prefixed := append([]byte{0xed, 0x01}, publicKey...)
	return "did:key:z" + Base58Encode(prefixed), nil
}

// VerificationMethodForEd25519 derives the verification method id a
// did:key controller signs with
func VerificationMethodForEd25519(publicKey ed25519.PublicKey) (string, error) {
	keyDID, err := KeyDIDFromEd25519(publicKey)
	if err != nil {
		return "", err
	}
	return keyDID + "#" + keyDID[8:], nil
}
