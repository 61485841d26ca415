package postgres

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NUMERIC(78,0) values travel as decimal text so no precision is lost in
// either direction.

func numText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNum(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: invalid numeric %q", s)
	}
	return v, nil
}

func parseNullNum(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseNum(*s)
}

// addrText is the stored form of an address.
func addrText(a common.Address) string {
	return strings.ToLower(a.Hex())
}
