/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package sample

import (
	"github.com/pkg/errors"
	"github.com/tchajed/marshal"
)

// Operation codes of the key-value store.
const (
	opPut uint64 = iota + 1
	opGet
	opDelete
)

// PutOp encodes a put operation.
func PutOp(key string, value []byte) []byte {
	enc := marshal.WriteInt(nil, opPut)
	enc = marshal.WriteInt(enc, uint64(len(key)))
	enc = marshal.WriteBytes(enc, []byte(key))
	enc = marshal.WriteInt(enc, uint64(len(value)))
	return marshal.WriteBytes(enc, value)
}

// GetOp encodes a get operation.
func GetOp(key string) []byte {
	enc := marshal.WriteInt(nil, opGet)
	enc = marshal.WriteInt(enc, uint64(len(key)))
	return marshal.WriteBytes(enc, []byte(key))
}

// DeleteOp encodes a delete operation.
func DeleteOp(key string) []byte {
	enc := marshal.WriteInt(nil, opDelete)
	enc = marshal.WriteInt(enc, uint64(len(key)))
	return marshal.WriteBytes(enc, []byte(key))
}

type operation struct {
	code  uint64
	key   string
	value []byte
}

func decodeOp(data []byte) (operation, error) {
	var op operation

	if len(data) < 8 {
		return op, errors.Errorf("truncated operation")
	}
	code, dec := marshal.ReadInt(data)
	op.code = code

	if len(dec) < 8 {
		return op, errors.Errorf("truncated operation key")
	}
	keyLen, dec := marshal.ReadInt(dec)
	if uint64(len(dec)) < keyLen {
		return op, errors.Errorf("truncated operation key")
	}
	key, dec := marshal.ReadBytesCopy(dec, keyLen)
	op.key = string(key)

	switch code {
	case opGet, opDelete:
		return op, nil
	case opPut:
		if len(dec) < 8 {
			return op, errors.Errorf("truncated operation value")
		}
		valLen, dec := marshal.ReadInt(dec)
		if uint64(len(dec)) < valLen {
			return op, errors.Errorf("truncated operation value")
		}
		op.value, _ = marshal.ReadBytesCopy(dec, valLen)
		return op, nil
	default:
		return op, errors.Errorf("unknown operation code %d", code)
	}
}
