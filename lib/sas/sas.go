// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode"
)

// sasDomainKey keys the HMAC that produces SAS bytes.
const sasDomainKey = "MATRIX_KEY_VERIFICATION_SAS"

// sasSeparator joins the HMAC input fields.
const sasSeparator = "|"

// variationSelector (U+FE0F) follows some table emoji and is often
// dropped by keyboards.
const variationSelector = '\uFE0F'

// EmojiCount is the number of emoji in a code.
const EmojiCount = 7

// Codes is the pair of display forms derived from one key exchange.
type Codes struct {
	// Emoji is seven table emoji separated by single spaces.
	Emoji string `json:"emoji"`
	// Decimal is three zero-padded 13-bit numbers, NNNN-NNNN-NNNN.
	Decimal string `json:"decimal"`

	indices [EmojiCount]int
}

// DeriveCodes computes the SAS codes for a verification. The result
// depends only on the unordered pair {ourKey, theirKey} and the
// transaction ID, so both devices display the same codes.
func DeriveCodes(ourKey, theirKey, transactionID string) Codes {
	low, high := ourKey, theirKey
	if high < low {
		low, high = high, low
	}

	mac := hmac.New(sha256.New, []byte(sasDomainKey))
	mac.Write([]byte(low + sasSeparator + high + sasSeparator + transactionID))
	sum := mac.Sum(nil)

	return codesFromBytes([6]byte(sum[:6]))
}

func codesFromBytes(sasBytes [6]byte) Codes {
	var bits uint64
	for _, b := range sasBytes {
		bits = bits<<8 | uint64(b)
	}

	var codes Codes
	symbols := make([]string, EmojiCount)
	for i := range EmojiCount {
		index := int((bits >> (42 - 6*i)) & 0x3F)
		codes.indices[i] = index
		symbols[i] = Emoji[index].Emoji
	}
	codes.Emoji = strings.Join(symbols, " ")

	b := sasBytes
	first := (uint16(b[0])<<5 | uint16(b[1])>>3) & 0x1FFF
	second := (uint16(b[1]&0x07)<<10 | uint16(b[2])<<2 | uint16(b[3])>>6) & 0x1FFF
	third := (uint16(b[3]&0x3F)<<7 | uint16(b[4])>>1) & 0x1FFF
	codes.Decimal = fmt.Sprintf("%04d-%04d-%04d", first, second, third)

	return codes
}

// IsZero reports whether no codes have been derived.
func (c Codes) IsZero() bool {
	return c.Emoji == "" && c.Decimal == ""
}

// Symbols returns the emoji with their descriptions, for display.
func (c Codes) Symbols() []Symbol {
	if c.IsZero() {
		return nil
	}
	symbols := make([]Symbol, EmojiCount)
	for i, index := range c.indices {
		symbols[i] = Emoji[index]
	}
	return symbols
}

// Descriptions returns the emoji names joined by commas, for logs and
// terminals that cannot render emoji.
func (c Codes) Descriptions() string {
	symbols := c.Symbols()
	names := make([]string, len(symbols))
	for i, symbol := range symbols {
		names[i] = symbol.Description
	}
	return strings.Join(names, ", ")
}

// Matches reports whether code is a user's transcription of c. It
// accepts the decimal form, the emoji form, or the emoji descriptions
// in order, ignoring whitespace, case, separators, and emoji
// variation selectors.
func (c Codes) Matches(code string) bool {
	if c.IsZero() {
		return false
	}
	candidate := normalize(code)
	if candidate == "" {
		return false
	}
	if candidate == normalize(c.Decimal) || candidate == normalize(c.Emoji) {
		return true
	}
	return candidate == normalize(c.Descriptions())
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case unicode.IsSpace(r), r == ',', r == '-', r == variationSelector:
			return -1
		default:
			return unicode.ToLower(r)
		}
	}, s)
}
