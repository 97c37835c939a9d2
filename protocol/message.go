// Package protocol implements the cache-manager wire format: a fixed-width
// decimal message-type header followed by a fixed, per-type count of
// length-prefixed ASCII fields. It is grounded on transport's PDU framing
// idiom (explicit offsets, a fixed-size header decoded before the payload)
// generalized from binary length-prefixing to cache-manager's all-decimal-
// ASCII wire format.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package protocol

import "fmt"

// Kind identifies a message type on the wire (a 2-digit decimal).
type Kind int

const (
	RequestFile Kind = iota + 1
	CheckLocal
	CheckRemote
	FileOK
	CopyFromNode
	CopyFromServer
	CopyOK
	CopyFailed
	FileNotOK
	Fallback
	HaveFile
	Wait
	RegisterCopy
	DeletedCopy
	Exit
	KeepAlive
	GetLocations
	IsActive
	Ping
)

// arity is the fixed number of length-prefixed fields carried by each kind.
var arity = map[Kind]int{
	RequestFile:    6,
	GetLocations:   4,
	CheckLocal:     1,
	CheckRemote:    2,
	FileOK:         0,
	FileNotOK:      0,
	CopyFromNode:   2,
	CopyFromServer: 0,
	CopyOK:         1,
	CopyFailed:     0,
	Fallback:       0,
	HaveFile:       4,
	DeletedCopy:    4,
	Wait:           1,
	RegisterCopy:   4,
	Exit:           0,
	KeepAlive:      0,
	IsActive:       1,
	Ping:           0,
}

var kindNames = map[Kind]string{
	RequestFile:    "REQUEST_FILE",
	GetLocations:   "GET_LOCATIONS",
	CheckLocal:     "CHECK_LOCAL",
	CheckRemote:    "CHECK_REMOTE",
	FileOK:         "FILE_OK",
	FileNotOK:      "FILE_NOT_OK",
	CopyFromNode:   "COPY_FROM_NODE",
	CopyFromServer: "COPY_FROM_SERVER",
	CopyOK:         "COPY_OK",
	CopyFailed:     "COPY_FAILED",
	Fallback:       "FALLBACK",
	HaveFile:       "HAVE_FILE",
	DeletedCopy:    "DELETED_COPY",
	Wait:           "WAIT",
	RegisterCopy:   "REGISTER_COPY",
	Exit:           "EXIT",
	KeepAlive:      "KEEP_ALIVE",
	IsActive:       "IS_ACTIVE",
	Ping:           "PING",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Arity reports the fixed field count for k, and whether k is a known kind.
func Arity(k Kind) (int, bool) {
	n, ok := arity[k]
	return n, ok
}

// Message is one decoded wire message: a kind plus its exact-arity fields.
type Message struct {
	Kind   Kind
	Fields []string
}

// New builds a Message, panicking if fields doesn't match k's documented
// arity -- callers construct messages from known-good call sites, so an
// arity mismatch here is a programming error, not a runtime condition.
func New(k Kind, fields ...string) Message {
	n, ok := Arity(k)
	if !ok {
		panic(fmt.Sprintf("protocol: unknown kind %d", int(k)))
	}
	if len(fields) != n {
		panic(fmt.Sprintf("protocol: %s wants %d fields, got %d", k, n, len(fields)))
	}
	return Message{Kind: k, Fields: fields}
}
