package document

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestBoolToYesNo(t *testing.T) {
	t.Run("true converts to Yes", func(t *testing.T) {
		require.Equal(t, "Yes", BoolToYesNo(true))
	})

	t.Run("false converts to No", func(t *testing.T) {
		require.Equal(t, "No", BoolToYesNo(false))
	})
}

func TestAge(t *testing.T) {
	birth := mustDate(t, "1995-06-15")

	t.Run("day before birthday", func(t *testing.T) {
		require.Equal(t, 28, Age(birth, mustDate(t, "2024-06-14")))
	})

	t.Run("on birthday", func(t *testing.T) {
		require.Equal(t, 29, Age(birth, mustDate(t, "2024-06-15")))
	})

	t.Run("earlier month", func(t *testing.T) {
		require.Equal(t, 28, Age(birth, mustDate(t, "2024-01-31")))
	})

	t.Run("later month", func(t *testing.T) {
		require.Equal(t, 29, Age(birth, mustDate(t, "2024-07-01")))
	})

	t.Run("zero on the day of birth", func(t *testing.T) {
		require.Equal(t, 0, Age(birth, birth))
	})

	t.Run("feb 29 birthday in a non-leap year", func(t *testing.T) {
		leapling := mustDate(t, "2004-02-29")
		require.Equal(t, 18, Age(leapling, mustDate(t, "2023-02-28")))
		require.Equal(t, 19, Age(leapling, mustDate(t, "2023-03-01")))
		require.Equal(t, 20, Age(leapling, mustDate(t, "2024-02-29")))
	})
}

func TestAgeIsMonotonic(t *testing.T) {
	for _, b := range []string{"1995-06-15", "2000-02-29", "1999-12-31", "2001-01-01"} {
		t.Run(b, func(t *testing.T) {
			birth := mustDate(t, b)
			prev := Age(birth, birth)
			require.Equal(t, 0, prev)

			day := birth
			for i := 0; i < 40*366; i++ {
				day = day.AddDays(1)
				age := Age(birth, day)
				anniversary := day.Month == birth.Month && day.Day == birth.Day
				if birth.Month == 2 && birth.Day == 29 && !IsLeapYear(day.Year) {
					anniversary = day.Month == 3 && day.Day == 1
				}
				if anniversary {
					require.Equal(t, prev+1, age, "anniversary %s", day)
				} else {
					require.Equal(t, prev, age, "ordinary day %s", day)
				}
				prev = age
			}
		})
	}
}

func TestIsAdult(t *testing.T) {
	today := mustDate(t, "2024-06-14")

	t.Run("exactly eighteen years is adult", func(t *testing.T) {
		require.True(t, IsAdult(mustDate(t, "2006-06-14"), today))
	})

	t.Run("one day short of eighteen is not adult", func(t *testing.T) {
		require.False(t, IsAdult(mustDate(t, "2006-06-15"), today))
	})

	t.Run("birth after today is not adult", func(t *testing.T) {
		require.False(t, IsAdult(mustDate(t, "2030-01-01"), today))
	})

	t.Run("document scenario", func(t *testing.T) {
		birth := mustDate(t, "1995-06-15")
		require.True(t, IsAdult(birth, mustDate(t, "2024-06-14")))
		require.Equal(t, 28, Age(birth, mustDate(t, "2024-06-14")))
		require.False(t, IsAdult(birth, mustDate(t, "2013-06-14")))
		require.True(t, IsAdult(birth, mustDate(t, "2013-06-15")))
	})

	t.Run("boundary for every day of a year", func(t *testing.T) {
		day := mustDate(t, "2023-01-01")
		for i := 0; i < 366; i++ {
			eighteenYearsAgo, err := NewDate(day.Year-AdultAge, day.Month, day.Day)
			if err != nil {
				// Feb 29 has no counterpart eighteen years earlier.
				day = day.AddDays(1)
				continue
			}
			require.True(t, IsAdult(eighteenYearsAgo, day), "today %s", day)
			require.False(t, IsAdult(eighteenYearsAgo.AddDays(1), day), "today %s", day)
			day = day.AddDays(1)
		}
	})
}

func TestIsOver(t *testing.T) {
	birth := mustDate(t, "1990-06-15")
	today := mustDate(t, "2025-06-15")

	require.True(t, IsOver(birth, today, 12))
	require.True(t, IsOver(birth, today, 35))
	require.False(t, IsOver(birth, today, 36))
	require.False(t, IsOver(birth, today, 65))
}
