package pgsamplebs

import (
	"fmt"
	"time"

	"github.com/jackc/pgtype"
)

// sampleColumns is the fixed column contract of the parent table, replicated
// structurally by every bucket. Order matters: it is the column list used for
// COPY and the selection order expected by scanTargets.
var sampleColumns = []string{
	"channel_id",
	"smpl_time",
	"nanosecs",
	"severity_id",
	"status_id",
	"num_val",
	"float_val",
	"str_val",
	"datatype",
	"array_val",
}

// Sample is one archived engineering-value row. Exactly one of the value
// fields is typically populated, discriminated by Datatype; which one is a
// contract between the upstream writer and downstream readers, not something
// this store interprets.
type Sample struct {
	ChannelID  int64
	Time       time.Time
	Nanosecs   int32
	SeverityID int64
	StatusID   int64
	NumVal     pgtype.Int8
	FloatVal   pgtype.Float8
	StrVal     pgtype.Text
	Datatype   pgtype.BPChar
	ArrayVal   pgtype.Float8Array
}

func (s *Sample) String() string {
	return fmt.Sprintf("[Sample channel:%d @ %s.%09d]", s.ChannelID, s.Time.UTC().Format("2006-01-02T15:04:05"), s.Nanosecs)
}

// copyRow renders the sample in sampleColumns order for pgx's COPY protocol.
func (s *Sample) copyRow() []interface{} {
	return []interface{}{
		s.ChannelID,
		s.Time.UTC(),
		s.Nanosecs,
		s.SeverityID,
		s.StatusID,
		s.NumVal,
		s.FloatVal,
		s.StrVal,
		s.Datatype,
		s.ArrayVal,
	}
}

// scanTargets returns scan destinations in sampleColumns order.
func (s *Sample) scanTargets() []interface{} {
	return []interface{}{
		&s.ChannelID,
		&s.Time,
		&s.Nanosecs,
		&s.SeverityID,
		&s.StatusID,
		&s.NumVal,
		&s.FloatVal,
		&s.StrVal,
		&s.Datatype,
		&s.ArrayVal,
	}
}
