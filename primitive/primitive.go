// Package primitive wraps the commitment primitives the rollup state is built on: the MiMC hash
// over the BN254 scalar field and EdDSA signatures over the twisted Edwards curve embedded in it.
// Both are consumed from gnark-crypto so the Go side hashes exactly like the circuit does.
package primitive

import (
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
)

// ErrInvalidRange is returned when an integer does not fit in the scalar field.
var ErrInvalidRange = errors.New("value outside field range")

// ModBytes is needed to serialize field elements the same way the circuit hashes them.
var ModBytes = len(ecc.BN254.ScalarField().Bytes())

// Element is a BN254 scalar field element. Every leaf, node and root is one.
type Element = fr.Element

// PrivateKey is an EdDSA signing key on the BN254 twisted Edwards curve.
type PrivateKey = eddsa.PrivateKey

// Hash computes H(inputs...), the multi-input MiMC hash. It matches
// hasher.Write(inputs...); hasher.Sum() in the circuit.
func Hash(inputs ...fr.Element) fr.Element {
	hasher := mimc.NewMiMC()
	for i := range inputs {
		b := inputs[i].Bytes()
		_, err := hasher.Write(b[:])
		if err != nil {
			// a canonical element is always a valid MiMC block
			panic("Error writing field element to hasher: " + err.Error())
		}
	}
	var out fr.Element
	out.SetBytes(hasher.Sum(nil))
	return out
}

// Modulus returns the scalar field modulus.
func Modulus() *big.Int {
	return fr.Modulus()
}

// FromBigInt converts v into a field element, failing with ErrInvalidRange unless 0 <= v < p.
func FromBigInt(v *big.Int) (fr.Element, error) {
	var e fr.Element
	if v == nil {
		return e, fmt.Errorf("%w: nil value", ErrInvalidRange)
	}
	if v.Sign() < 0 || v.Cmp(fr.Modulus()) >= 0 {
		return e, fmt.Errorf("%w: %s", ErrInvalidRange, v.String())
	}
	e.SetBigInt(v)
	return e, nil
}

// CheckRange fails with ErrInvalidRange unless 0 <= v < p.
func CheckRange(v *big.Int) error {
	_, err := FromBigInt(v)
	return err
}

// FromUint64 converts v into a field element.
func FromUint64(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

// ToBigInt returns the canonical integer value of e.
func ToBigInt(e fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}

// ElementString formats e as a decimal string.
func ElementString(e fr.Element) string {
	return ToBigInt(e).String()
}

// ParseElement parses a decimal (or 0x-prefixed hex) string into a field element.
func ParseElement(s string) (fr.Element, error) {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		return fr.Element{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidRange, s)
	}
	return FromBigInt(v)
}

// Point is a pair of field elements: a public key or the R8 part of a signature.
type Point struct {
	X fr.Element
	Y fr.Element
}

// PublicKey identifies an account owner. The all-zero key is reserved for the burn slot
// and for withdrawals.
type PublicKey = Point

// ZeroKey is the reserved all-zero public key.
var ZeroKey = Point{}

// IsZero reports whether both coordinates are zero.
func (p Point) IsZero() bool {
	return p.X.IsZero() && p.Y.IsZero()
}

// Equal reports whether p and o are the same point.
func (p Point) Equal(o Point) bool {
	return p.X.Equal(&o.X) && p.Y.Equal(&o.Y)
}

func (p Point) String() string {
	return "(" + ElementString(p.X) + ", " + ElementString(p.Y) + ")"
}

// GenerateKey creates a signing key from the randomness in r.
func GenerateKey(r io.Reader) (*PrivateKey, error) {
	priv, err := eddsa.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate eddsa key: %w", err)
	}
	return priv, nil
}

// PublicKeyOf returns the public key of priv as a coordinate pair.
func PublicKeyOf(priv *PrivateKey) PublicKey {
	return Point{X: priv.PublicKey.A.X, Y: priv.PublicKey.A.Y}
}

// Signature is an EdDSA signature: the point R8 and the scalar S.
type Signature struct {
	R8 Point
	S  *big.Int
}

// Clone returns a deep copy of s.
func (s *Signature) Clone() *Signature {
	if s == nil {
		return nil
	}
	c := &Signature{R8: s.R8}
	if s.S != nil {
		c.S = new(big.Int).Set(s.S)
	}
	return c
}

// Bytes returns the gnark-crypto encoding of s (compressed R followed by S).
func (s *Signature) Bytes() ([]byte, error) {
	es, err := s.toEdDSA()
	if err != nil {
		return nil, err
	}
	return es.Bytes(), nil
}

func (s *Signature) toEdDSA() (*eddsa.Signature, error) {
	if s == nil || s.S == nil {
		return nil, errors.New("missing signature")
	}
	if s.S.Sign() < 0 || s.S.BitLen() > 8*fr.Bytes {
		return nil, fmt.Errorf("%w: signature scalar", ErrInvalidRange)
	}
	es := new(eddsa.Signature)
	es.R.X = s.R8.X
	es.R.Y = s.R8.Y
	s.S.FillBytes(es.S[:])
	return es, nil
}

// Sign signs msg with priv using MiMC as the challenge hash.
func Sign(priv *PrivateKey, msg fr.Element) (*Signature, error) {
	if priv == nil {
		return nil, errors.New("nil private key")
	}
	b := msg.Bytes()
	sigBin, err := priv.Sign(b[:], mimc.NewMiMC())
	if err != nil {
		return nil, fmt.Errorf("eddsa sign: %w", err)
	}
	var es eddsa.Signature
	if _, err := es.SetBytes(sigBin); err != nil {
		return nil, fmt.Errorf("decode eddsa signature: %w", err)
	}
	return &Signature{
		R8: Point{X: es.R.X, Y: es.R.Y},
		S:  new(big.Int).SetBytes(es.S[:]),
	}, nil
}

// Verify reports whether sig is a valid signature of msg by pub.
func Verify(pub PublicKey, msg fr.Element, sig *Signature) bool {
	if pub.IsZero() {
		return false
	}
	es, err := sig.toEdDSA()
	if err != nil {
		return false
	}
	var key eddsa.PublicKey
	key.A.X = pub.X
	key.A.Y = pub.Y
	b := msg.Bytes()
	ok, err := key.Verify(es.Bytes(), b[:], mimc.NewMiMC())
	return err == nil && ok
}
