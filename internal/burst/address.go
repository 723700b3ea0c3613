package burst

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Address is a Burst account, identified by its unsigned 64-bit id.
// The Reed-Solomon form ("BURST-XXXX-XXXX-XXXX-XXXXX") is the
// human-facing rendering of the same id.
type Address struct {
	id uint64
}

// AddressFromID builds an Address from a numeric account id.
func AddressFromID(id uint64) Address {
	return Address{id: id}
}

// ParseAddress accepts either a numeric account id or a Reed-Solomon
// address, with or without the BURST- prefix.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, errors.New("empty account")
	}
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Address{id: id}, nil
	}
	id, err := rsDecode(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid account %q: %w", s, err)
	}
	return Address{id: id}, nil
}

// ID returns the numeric account id.
func (a Address) ID() uint64 {
	return a.id
}

// NumericID returns the unsigned decimal rendering used by the node API.
func (a Address) NumericID() string {
	return strconv.FormatUint(a.id, 10)
}

// RS returns the Reed-Solomon rendering with the BURST- prefix.
func (a Address) RS() string {
	return "BURST-" + rsEncode(a.id)
}

func (a Address) String() string {
	return a.RS()
}

// NXT-style Reed-Solomon account coding over GF(32). The tables are
// protocol constants.
const rsAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var (
	rsGexp = [32]int{1, 2, 4, 8, 16, 5, 10, 20, 13, 26, 17, 7, 14, 28, 29, 31, 27, 19, 3, 6, 12, 24, 21, 15, 30, 25, 23, 11, 22, 9, 18, 1}
	rsGlog = [32]int{0, 0, 1, 18, 2, 5, 19, 11, 3, 29, 6, 27, 20, 8, 12, 23, 4, 10, 30, 17, 7, 22, 28, 26, 21, 25, 9, 16, 13, 14, 24, 15}

	rsCodewordMap = [17]int{3, 2, 1, 0, 7, 6, 5, 4, 13, 14, 15, 16, 12, 8, 9, 10, 11}
)

const (
	rsBase32Length = 13
	rsBase10Length = 20
)

func rsGmult(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return rsGexp[(rsGlog[a]+rsGlog[b])%31]
}

func rsEncode(id uint64) string {
	plain := strconv.FormatUint(id, 10)
	digits := make([]int, rsBase10Length)
	length := len(plain)
	for i := 0; i < length; i++ {
		digits[i] = int(plain[i] - '0')
	}

	var codeword [17]int
	codewordLength := 0
	for {
		newLength := 0
		digit32 := 0
		for i := 0; i < length; i++ {
			digit32 = digit32*10 + digits[i]
			if digit32 >= 32 {
				digits[newLength] = digit32 >> 5
				digit32 &= 31
				newLength++
			} else if newLength > 0 {
				digits[newLength] = 0
				newLength++
			}
		}
		length = newLength
		codeword[codewordLength] = digit32
		codewordLength++
		if length == 0 {
			break
		}
	}

	p := [4]int{}
	for i := rsBase32Length - 1; i >= 0; i-- {
		fb := codeword[i] ^ p[3]
		p[3] = p[2] ^ rsGmult(30, fb)
		p[2] = p[1] ^ rsGmult(6, fb)
		p[1] = p[0] ^ rsGmult(9, fb)
		p[0] = rsGmult(17, fb)
	}
	copy(codeword[rsBase32Length:], p[:])

	var sb strings.Builder
	for i := 0; i < 17; i++ {
		sb.WriteByte(rsAlphabet[codeword[rsCodewordMap[i]]])
		if (i&3) == 3 && i < 13 {
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

func rsDecode(cypher string) (uint64, error) {
	cypher = strings.ToUpper(cypher)
	cypher = strings.TrimPrefix(cypher, "BURST-")

	codeword := [17]int{1}
	codewordLength := 0
	for i := 0; i < len(cypher); i++ {
		pos := strings.IndexByte(rsAlphabet, cypher[i])
		if pos < 0 {
			continue
		}
		if codewordLength > 16 {
			return 0, errors.New("codeword too long")
		}
		codeword[rsCodewordMap[codewordLength]] = pos
		codewordLength++
	}
	if codewordLength == 17 && !rsCodewordValid(codeword) || codewordLength != 17 && codewordLength != 13 {
		return 0, errors.New("codeword invalid")
	}

	length := rsBase32Length
	cypher32 := make([]int, length)
	for i := 0; i < length; i++ {
		cypher32[i] = codeword[length-i-1]
	}
	var plain []byte
	for {
		newLength := 0
		digit10 := 0
		for i := 0; i < length; i++ {
			digit10 = digit10*32 + cypher32[i]
			if digit10 >= 10 {
				cypher32[newLength] = digit10 / 10
				digit10 %= 10
				newLength++
			} else if newLength > 0 {
				cypher32[newLength] = 0
				newLength++
			}
		}
		length = newLength
		plain = append(plain, byte(digit10)+'0')
		if length == 0 {
			break
		}
	}
	for i, j := 0, len(plain)-1; i < j; i, j = i+1, j-1 {
		plain[i], plain[j] = plain[j], plain[i]
	}
	return strconv.ParseUint(string(plain), 10, 64)
}

func rsCodewordValid(codeword [17]int) bool {
	sum := 0
	for i := 1; i < 5; i++ {
		t := 0
		for j := 0; j < 31; j++ {
			if j > 12 && j < 27 {
				continue
			}
			pos := j
			if j > 26 {
				pos -= 14
			}
			t ^= rsGmult(codeword[pos], rsGexp[(i*j)%31])
		}
		sum |= t
	}
	return sum == 0
}
