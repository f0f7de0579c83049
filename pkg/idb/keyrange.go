package idb

import (
	"bytes"
	"fmt"
)

// KeyRange restricts a cursor, count or delete to an interval of keys.
// A nil Lower or Upper leaves that side unbounded.
type KeyRange struct {
	Lower     Key
	Upper     Key
	LowerOpen bool
	UpperOpen bool
}

// Only matches exactly one key.
func Only(k Key) (*KeyRange, error) {
	return Bound(k, k, false, false)
}

// LowerBound matches keys >= k, or > k when open.
func LowerBound(k Key, open bool) (*KeyRange, error) {
	r := &KeyRange{Lower: k, LowerOpen: open}
	if _, err := r.encode(); err != nil {
		return nil, err
	}
	return r, nil
}

// UpperBound matches keys <= k, or < k when open.
func UpperBound(k Key, open bool) (*KeyRange, error) {
	r := &KeyRange{Upper: k, UpperOpen: open}
	if _, err := r.encode(); err != nil {
		return nil, err
	}
	return r, nil
}

// Bound matches keys between lower and upper.
func Bound(lower, upper Key, lowerOpen, upperOpen bool) (*KeyRange, error) {
	if lower == nil || upper == nil {
		return nil, fmt.Errorf("%w: both bounds required", ErrRange)
	}
	r := &KeyRange{Lower: lower, Upper: upper, LowerOpen: lowerOpen, UpperOpen: upperOpen}
	if _, err := r.encode(); err != nil {
		return nil, err
	}
	return r, nil
}

// Includes reports whether k falls inside r.
func (r *KeyRange) Includes(k Key) (bool, error) {
	enc, err := r.encode()
	if err != nil {
		return false, err
	}
	ek, err := encodeKey(k)
	if err != nil {
		return false, err
	}
	return enc.contains(ek), nil
}

// encodedRange is a KeyRange in engine byte form. Nil bounds are open-ended.
type encodedRange struct {
	lower, upper         []byte
	lowerOpen, upperOpen bool
}

func (r *KeyRange) encode() (encodedRange, error) {
	if r == nil {
		return encodedRange{}, nil
	}
	var er encodedRange
	var err error
	if r.Lower != nil {
		if er.lower, err = encodeKey(r.Lower); err != nil {
			return er, fmt.Errorf("%w: lower bound: %v", ErrRange, err)
		}
		er.lowerOpen = r.LowerOpen
	}
	if r.Upper != nil {
		if er.upper, err = encodeKey(r.Upper); err != nil {
			return er, fmt.Errorf("%w: upper bound: %v", ErrRange, err)
		}
		er.upperOpen = r.UpperOpen
	}
	if er.lower != nil && er.upper != nil {
		c := bytes.Compare(er.lower, er.upper)
		if c > 0 || (c == 0 && (er.lowerOpen || er.upperOpen)) {
			return er, fmt.Errorf("%w: lower bound above upper bound", ErrRange)
		}
	}
	return er, nil
}

func (er encodedRange) aboveLower(k []byte) bool {
	if er.lower == nil {
		return true
	}
	c := bytes.Compare(k, er.lower)
	return c > 0 || (c == 0 && !er.lowerOpen)
}

func (er encodedRange) belowUpper(k []byte) bool {
	if er.upper == nil {
		return true
	}
	c := bytes.Compare(k, er.upper)
	return c < 0 || (c == 0 && !er.upperOpen)
}

func (er encodedRange) contains(k []byte) bool {
	return er.aboveLower(k) && er.belowUpper(k)
}

// queryRange turns a Get/Count/Delete argument into a range: nil selects
// everything, a KeyRange is used as is, anything else must be a key.
func queryRange(q any) (encodedRange, error) {
	switch v := q.(type) {
	case nil:
		return encodedRange{}, nil
	case *KeyRange:
		return v.encode()
	case KeyRange:
		return v.encode()
	}
	ek, err := encodeKey(q)
	if err != nil {
		return encodedRange{}, err
	}
	return encodedRange{lower: ek, upper: ek}, nil
}
