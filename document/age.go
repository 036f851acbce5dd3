package document

// AdultAge is the age threshold of the adult predicate.
const AdultAge = 18

// Age returns the age in whole years on today for someone born on birth.
// The birthday counts from the day itself, so Age(birth, birth) is 0.
// A Feb 29 birthday is reached on Mar 1 in non-leap years.
func Age(birth, today Date) int {
	age := today.Year - birth.Year
	if today.before(Date{Year: today.Year, Month: birth.Month, Day: birth.Day}) {
		age--
	}
	return age
}

// IsOver reports whether the age on today is at least years.
func IsOver(birth, today Date, years int) bool {
	return Age(birth, today) >= years
}

// IsAdult is the age-over-18 predicate.
func IsAdult(birth, today Date) bool {
	return IsOver(birth, today, AdultAge)
}

func BoolToYesNo(value bool) string {
	if value {
		return "Yes"
	}
	return "No"
}
