package admission

import (
	"crypto/rand"
	"fmt"
)

const (
	ticketCodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// TicketCodeLength is the length of every issued ticket code.
	TicketCodeLength = 10
	// maxCodeAttempts bounds regeneration after a ticket code collision.
	maxCodeAttempts = 5
)

// NewTicketCode returns a random code of TicketCodeLength characters drawn
// uniformly from [0-9A-Z].
func NewTicketCode() (string, error) {
	// 252 is the largest multiple of 36 below 256; rejecting bytes above it
	// keeps the distribution uniform.
	const limit = 256 - 256%len(ticketCodeAlphabet)
	out := make([]byte, 0, TicketCodeLength)
	buf := make([]byte, TicketCodeLength*2)
	for len(out) < TicketCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate ticket code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, ticketCodeAlphabet[int(b)%len(ticketCodeAlphabet)])
			if len(out) == TicketCodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// ValidTicketCode reports whether s has the shape of an issued ticket code.
func ValidTicketCode(s string) bool {
	if len(s) != TicketCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'A' <= c && c <= 'Z') {
			return false
		}
	}
	return true
}
