package pgsamplebs

import (
	"errors"
	"testing"
	"time"

	"github.com/scada-archive/go-sample-postgres-bucketed/lib/timebucket"

	"github.com/jackc/pgtype"
	"github.com/stretchr/testify/require"
)

func mkSample(channel int64, at time.Time, val float64) Sample {
	return Sample{
		ChannelID:  channel,
		Time:       at,
		Nanosecs:   0,
		SeverityID: 1,
		StatusID:   1,
		NumVal:     pgtype.Int8{Status: pgtype.Null},
		FloatVal:   pgtype.Float8{Float: val, Status: pgtype.Present},
		StrVal:     pgtype.Text{Status: pgtype.Null},
		Datatype:   pgtype.BPChar{String: "f", Status: pgtype.Present},
		ArrayVal:   pgtype.Float8Array{Status: pgtype.Null},
	}
}

func TestRouteByBucket(t *testing.T) {
	span, err := timebucket.Span(
		timebucket.Day,
		time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2012, time.June, 2, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	cat := timebucket.Normalize(span)

	samples := []Sample{
		mkSample(7, time.Date(2012, time.June, 1, 8, 0, 0, 0, time.UTC), 1.5),
		mkSample(7, time.Date(2012, time.June, 1, 9, 0, 0, 0, time.UTC), 2.5),
		mkSample(9, time.Date(2012, time.June, 2, 8, 0, 0, 0, time.UTC), 3.5),
	}

	routed, err := routeByBucket(cat, samples)
	require.NoError(t, err)
	require.Len(t, routed, 2)
	require.Len(t, routed["smpl_d20120601"], 2)
	require.Len(t, routed["smpl_d20120602"], 1)

	// COPY rows follow the fixed column contract
	row := routed["smpl_d20120602"][0]
	require.Len(t, row, len(sampleColumns))
	require.Equal(t, int64(9), row[0])
}

func TestRouteByBucketOutOfRange(t *testing.T) {
	span, err := timebucket.Span(
		timebucket.Day,
		time.Date(2012, time.June, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2012, time.June, 2, 0, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	cat := timebucket.Normalize(span)

	// one straggler poisons the whole batch: silent drops are unacceptable
	samples := []Sample{
		mkSample(7, time.Date(2012, time.June, 1, 8, 0, 0, 0, time.UTC), 1.5),
		mkSample(7, time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC), 2.5),
	}

	_, err = routeByBucket(cat, samples)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTimestampOutOfRange))
}
