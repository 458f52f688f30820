package log

import "time"

// Logger is the structured logger every fedship component writes to.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, v string) Field                 { return Field{Key: key, Value: v} }
func Strings(key string, v []string) Field       { return Field{Key: key, Value: v} }
func Int(key string, v int) Field                { return Field{Key: key, Value: v} }
func Int64(key string, v int64) Field            { return Field{Key: key, Value: v} }
func Uint64(key string, v uint64) Field          { return Field{Key: key, Value: v} }
func Float64(key string, v float64) Field        { return Field{Key: key, Value: v} }
func Bool(key string, v bool) Field              { return Field{Key: key, Value: v} }
func Duration(key string, v time.Duration) Field { return Field{Key: key, Value: v} }

// Err attaches err under the "error" key.
func Err(err error) Field { return Field{Key: "error", Value: err} }

// Round, ClientID and TransferID use the same keys everywhere so lines
// from the gateway, coordinator and plugins can be correlated.

func Round(round uint64) Field   { return Field{Key: "round", Value: round} }
func ClientID(id string) Field   { return Field{Key: "client_id", Value: id} }
func TransferID(id string) Field { return Field{Key: "transfer_id", Value: id} }
