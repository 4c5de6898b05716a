package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Machine tokens look like tsg_<uuid>_<64 hex chars>.
const (
	machineTokenPrefix = "tsg_"
	machineTokenLen    = len(machineTokenPrefix) + 36 + 1 + 64
)

// GenerateMachineToken returns a new token and the digest to put in the
// auth.machine_tokens config section.
func GenerateMachineToken() (token, hash string, err error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}

	token = machineTokenPrefix + uuid.NewString() + "_" + hex.EncodeToString(secret)
	return token, HashMachineToken(token), nil
}

// HashMachineToken is the hex SHA-256 of the whole token.
func HashMachineToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func isMachineToken(token string) bool {
	if len(token) != machineTokenLen || !strings.HasPrefix(token, machineTokenPrefix) {
		return false
	}
	_, err := uuid.Parse(token[len(machineTokenPrefix) : len(machineTokenPrefix)+36])
	return err == nil
}
