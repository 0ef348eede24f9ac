// Fuzz harness for the address/domain normalization helpers.

//go:build gofuzz
// +build gofuzz

package normalize

// Fuzz feeds arbitrary input through every normalization entry point so a
// fuzzer can look for panics in the PRECIS/IDNA codecs underneath.
func Fuzz(data []byte) int {
	s := string(data)

	_, _ = User(s)
	_, _ = Addr(s)
	_, _ = Domain(s)
	_, _ = DomainToUnicode(s)

	return 0
}
