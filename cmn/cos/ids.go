// Package cos provides common low-level types and utilities shared by the
// coordinator and the client.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	ratomic "sync/atomic"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// Alphabet for generating ids, same shape as shortid.DEFAULT_ABC.
const idABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

const LenShortID = 9

var (
	sid  *shortid.Shortid
	rtie ratomic.Uint32
)

// InitIDs seeds the id generator; call once at process start with a value
// that differs across coordinator/client processes (e.g. time.Now().UnixNano()).
func InitIDs(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, idABC, seed)
}

// GenSessionID returns a short, loggable id correlating the lines emitted
// by one SessionHandler (or one ClientProtocol fetch) across a request.
// It is never used as a TransferScheduler token: those are epoch seconds,
// per §4.3 (and distinct token provenance is a testable property).
func GenSessionID() string {
	if sid == nil {
		InitIDs(1)
	}
	return sid.MustGenerate()
}

// GenTie returns a 3-char tie-breaker, for disambiguating otherwise-identical
// log lines emitted within the same microsecond (e.g. two concurrent
// findValidLocation retries on the same origin path).
func GenTie() string {
	tie := rtie.Add(1)
	b0 := idABC[tie&0x3f]
	b1 := idABC[^tie&0x3f]
	b2 := idABC[(tie>>2)&0x3f]
	return string([]byte{b0, b1, b2})
}

// HostDigest mixes a hostname into a stable 64-bit value.
func HostDigest(host string) uint64 {
	return xxhash.Checksum64S([]byte(host), 0)
}
