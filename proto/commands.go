package proto

import (
	"strconv"
	"strings"
)

// Class is how the routing layer must handle a command.
type Class int

const (
	// ClassForwarded commands address exactly one key and are sent,
	// unmodified, to the instance owning that key's slot.
	ClassForwarded Class = iota
	// ClassFanOut commands (DEL, EXISTS, MGET, MSET) are split into
	// one single-key child per key by the routing layer, and the
	// children's replies are merged by the coalescer.
	ClassFanOut
	// ClassLocal commands are answered by the proxy itself; no
	// backend is involved.
	ClassLocal
	// ClassRefused commands are rejected with a "not supported" error.
	ClassRefused
)

// Descriptor is the static per-command metadata the routing layer
// needs: how to classify the command and, for forwarded/fan-out
// commands, where its keys live in argv.
type Descriptor struct {
	Name       string
	Class      Class
	FirstKey   int // index into argv of the first key argument, 0 is the command name
	LastKey    int // -1 means "last argument"; -2 means "argv[FirstKey-1] holds the key count" (EVAL's numkeys)
	Step       int // distance between successive keys
}

// table is the static command descriptor set. Only the commands this
// proxy treats specially are enumerated explicitly; anything not
// listed here that looks like a single-key keyspace command still
// forwards via the fallback in Lookup.
var table = map[string]Descriptor{
	// Fan-out
	"DEL":    {Name: "DEL", Class: ClassFanOut, FirstKey: 1, LastKey: -1, Step: 1},
	"EXISTS": {Name: "EXISTS", Class: ClassFanOut, FirstKey: 1, LastKey: -1, Step: 1},
	"MGET":   {Name: "MGET", Class: ClassFanOut, FirstKey: 1, LastKey: -1, Step: 1},
	"MSET":   {Name: "MSET", Class: ClassFanOut, FirstKey: 1, LastKey: -1, Step: 2},

	// EVAL/EVALSHA: keys start after "script numkeys", and numkeys
	// itself (argv[2]) says how many of them there are.
	"EVAL":    {Name: "EVAL", Class: ClassForwarded, FirstKey: 3, LastKey: -2, Step: 1},
	"EVALSHA": {Name: "EVALSHA", Class: ClassForwarded, FirstKey: 3, LastKey: -2, Step: 1},

	// Local: answered without touching a backend.
	"SELECT":   {Name: "SELECT", Class: ClassLocal},
	"PING":     {Name: "PING", Class: ClassLocal},
	"ECHO":     {Name: "ECHO", Class: ClassLocal},
	"AUTH":     {Name: "AUTH", Class: ClassLocal},
	"TIME":     {Name: "TIME", Class: ClassLocal},
	"READONLY": {Name: "READONLY", Class: ClassLocal},
	"READWRITE": {Name: "READWRITE", Class: ClassLocal},
	"WAIT":     {Name: "WAIT", Class: ClassLocal},
	"COMMAND":  {Name: "COMMAND", Class: ClassLocal},
	"SHUTDOWN": {Name: "SHUTDOWN", Class: ClassLocal},
	"SLOWLOG":  {Name: "SLOWLOG", Class: ClassLocal},
	"DEBUG":    {Name: "DEBUG", Class: ClassLocal},
	"CONFIG":   {Name: "CONFIG", Class: ClassLocal},
	"CLIENT":   {Name: "CLIENT", Class: ClassLocal},
	"LATENCY":  {Name: "LATENCY", Class: ClassLocal},
	"MONITOR":  {Name: "MONITOR", Class: ClassLocal},
	"PROXY":    {Name: "PROXY", Class: ClassLocal},
	"INFO":     {Name: "INFO", Class: ClassLocal},

	// Refused outright.
	"KEYS":        {Name: "KEYS", Class: ClassRefused},
	"MOVE":        {Name: "MOVE", Class: ClassRefused},
	"RANDOMKEY":   {Name: "RANDOMKEY", Class: ClassRefused},
	"SCAN":        {Name: "SCAN", Class: ClassRefused},
	"DBSIZE":      {Name: "DBSIZE", Class: ClassRefused},
	"RENAME":      {Name: "RENAME", Class: ClassRefused},
	"RENAMENX":    {Name: "RENAMENX", Class: ClassRefused},
	"BITOP":       {Name: "BITOP", Class: ClassRefused},
	"MSETNX":      {Name: "MSETNX", Class: ClassRefused},
	"MIGRATE":     {Name: "MIGRATE", Class: ClassRefused},
	"ASKING":      {Name: "ASKING", Class: ClassRefused},
	"RESTORE":     {Name: "RESTORE", Class: ClassRefused},
	"BRPOP":       {Name: "BRPOP", Class: ClassRefused},
	"BLPOP":       {Name: "BLPOP", Class: ClassRefused},
	"BRPOPLPUSH":  {Name: "BRPOPLPUSH", Class: ClassRefused},
	"SUBSCRIBE":   {Name: "SUBSCRIBE", Class: ClassRefused},
	"UNSUBSCRIBE": {Name: "UNSUBSCRIBE", Class: ClassRefused},
	"PSUBSCRIBE":  {Name: "PSUBSCRIBE", Class: ClassRefused},
	"PUBLISH":     {Name: "PUBLISH", Class: ClassRefused},
	"MULTI":       {Name: "MULTI", Class: ClassRefused},
	"EXEC":        {Name: "EXEC", Class: ClassRefused},
	"DISCARD":     {Name: "DISCARD", Class: ClassRefused},
	"WATCH":       {Name: "WATCH", Class: ClassRefused},
	"UNWATCH":     {Name: "UNWATCH", Class: ClassRefused},
	"SCRIPT":      {Name: "SCRIPT", Class: ClassRefused},
	"SAVE":        {Name: "SAVE", Class: ClassRefused},
	"BGSAVE":      {Name: "BGSAVE", Class: ClassRefused},
	"BGREWRITEAOF": {Name: "BGREWRITEAOF", Class: ClassRefused},
	"REPLICAOF":   {Name: "REPLICAOF", Class: ClassRefused},
	"SLAVEOF":     {Name: "SLAVEOF", Class: ClassRefused},
	"CLUSTER":     {Name: "CLUSTER", Class: ClassRefused},
	"ROLE":        {Name: "ROLE", Class: ClassRefused},
	"PFDEBUG":     {Name: "PFDEBUG", Class: ClassRefused},
	"PFSELFTEST":  {Name: "PFSELFTEST", Class: ClassRefused},
}

// singleKeyDefault is used for any command not explicitly listed:
// forward it, treating argv[1] as the (only) key. This covers the
// bulk of "all single-key keyspace commands" (GET, SET, HSET,
// LPUSH, ZADD, EXPIRE, DUMP, OBJECT, ...) without enumerating
// every one of them by hand.
var singleKeyDefault = Descriptor{Class: ClassForwarded, FirstKey: 1, LastKey: 1, Step: 1}

// Lookup returns the descriptor for cmd (case-insensitive). Commands
// absent from table are assumed to be ordinary single-key keyspace
// commands and forward using singleKeyDefault.
func Lookup(cmd string) Descriptor {
	name := strings.ToUpper(cmd)
	if d, ok := table[name]; ok {
		return d
	}
	d := singleKeyDefault
	d.Name = name
	return d
}

// Keys extracts the key arguments of argv according to d. argv[0] is
// the command name itself.
func Keys(d Descriptor, argv [][]byte) [][]byte {
	if d.Class != ClassForwarded && d.Class != ClassFanOut {
		return nil
	}
	if d.FirstKey <= 0 || d.FirstKey >= len(argv) {
		return nil
	}
	last := d.LastKey
	switch last {
	case -1:
		last = len(argv) - 1
	case -2:
		numKeys, err := strconv.Atoi(string(argv[d.FirstKey-1]))
		if err != nil || numKeys < 0 {
			return nil
		}
		last = d.FirstKey + numKeys - 1
	}
	if last >= len(argv) {
		last = len(argv) - 1
	}
	step := d.Step
	if step <= 0 {
		step = 1
	}
	var keys [][]byte
	for i := d.FirstKey; i <= last; i += step {
		keys = append(keys, argv[i])
	}
	return keys
}
