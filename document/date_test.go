package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDate(t *testing.T) {
	tests := []struct {
		name    string
		y, m, d int
		valid   bool
	}{
		{"regular date", 1995, 6, 15, true},
		{"month zero", 1995, 0, 15, false},
		{"month thirteen", 1995, 13, 1, false},
		{"day zero", 1995, 6, 0, false},
		{"april 31", 2001, 4, 31, false},
		{"april 30", 2001, 4, 30, true},
		{"feb 29 leap year", 2024, 2, 29, true},
		{"feb 29 non-leap year", 2023, 2, 29, false},
		{"feb 29 century non-leap", 1900, 2, 29, false},
		{"feb 29 400-year leap", 2000, 2, 29, true},
		{"feb 30", 2024, 2, 30, false},
		{"december 31", 1999, 12, 31, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDate(tt.y, tt.m, tt.d)
			if !tt.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, Date{Year: tt.y, Month: tt.m, Day: tt.d}, d)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Run("valid date parses correctly", func(t *testing.T) {
		d, err := ParseDate("1995-06-15")
		require.NoError(t, err)
		require.Equal(t, Date{Year: 1995, Month: 6, Day: 15}, d)
		require.Equal(t, "1995-06-15", d.String())
	})

	t.Run("invalid date values", func(t *testing.T) {
		_, err := ParseDate("2023-02-30")
		require.Error(t, err)
		require.Contains(t, err.Error(), "error parsing date")
	})

	t.Run("empty string", func(t *testing.T) {
		_, err := ParseDate("")
		require.Error(t, err)
	})
}

func TestDateOf(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	// 2024-06-14 20:00 UTC is already June 15 in UTC+10.
	instant := time.Date(2024, time.June, 14, 20, 0, 0, 0, time.UTC)

	require.Equal(t, Date{Year: 2024, Month: 6, Day: 14}, DateOf(instant))
	require.Equal(t, Date{Year: 2024, Month: 6, Day: 15}, DateOf(instant.In(loc)))
}

func TestDateOrdering(t *testing.T) {
	a := Date{Year: 1995, Month: 6, Day: 15}

	require.True(t, a.before(Date{Year: 1995, Month: 6, Day: 16}))
	require.True(t, a.before(Date{Year: 1995, Month: 7, Day: 1}))
	require.True(t, a.before(Date{Year: 1996, Month: 1, Day: 1}))
	require.False(t, a.before(a))
	require.False(t, a.before(Date{Year: 1995, Month: 6, Day: 14}))
}

func TestAddDays(t *testing.T) {
	require.Equal(t, Date{Year: 2024, Month: 3, Day: 1}, Date{Year: 2024, Month: 2, Day: 29}.AddDays(1))
	require.Equal(t, Date{Year: 2023, Month: 3, Day: 1}, Date{Year: 2023, Month: 2, Day: 28}.AddDays(1))
	require.Equal(t, Date{Year: 2000, Month: 1, Day: 1}, Date{Year: 1999, Month: 12, Day: 31}.AddDays(1))
	require.Equal(t, Date{Year: 1999, Month: 12, Day: 31}, Date{Year: 2000, Month: 1, Day: 1}.AddDays(-1))
}
