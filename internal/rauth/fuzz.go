// Fuzz testing for DecodeResponse.

//go:build gofuzz
// +build gofuzz

package rauth

func Fuzz(data []byte) int {
	interesting := 0
	_, _, err := DecodeResponse(string(data))
	if err == nil {
		interesting = 1
	}

	return interesting
}
