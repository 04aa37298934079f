package formula

import (
	"sort"
	"strings"
)

// Category groups functions in the catalog.
type Category string

const (
	CategoryMath        Category = "Math"
	CategoryStatistical Category = "Statistical"
	CategoryText        Category = "Text"
	CategoryLogical     Category = "Logical"
	CategoryLookup      Category = "Lookup"
	CategoryDate        Category = "Date"
	CategoryInformation Category = "Information"
)

// Function describes a supported worksheet function.
type Function struct {
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description"`
}

var catalog = []Function{
	{"ABS", CategoryMath, "Absolute value of a number"},
	{"CEILING", CategoryMath, "Rounds a number up to the nearest multiple of significance"},
	{"FLOOR", CategoryMath, "Rounds a number down to the nearest multiple of significance"},
	{"INT", CategoryMath, "Rounds a number down to the nearest integer"},
	{"MOD", CategoryMath, "Remainder after division"},
	{"PI", CategoryMath, "The value of pi"},
	{"POWER", CategoryMath, "A number raised to a power"},
	{"PRODUCT", CategoryMath, "Multiplies its arguments"},
	{"ROUND", CategoryMath, "Rounds a number to a number of digits"},
	{"ROUNDDOWN", CategoryMath, "Rounds a number toward zero"},
	{"ROUNDUP", CategoryMath, "Rounds a number away from zero"},
	{"SQRT", CategoryMath, "Positive square root"},
	{"SUM", CategoryMath, "Adds its arguments"},
	{"SUMIF", CategoryMath, "Adds the cells that meet a criterion"},
	{"SUMIFS", CategoryMath, "Adds the cells that meet several criteria"},
	{"SUMPRODUCT", CategoryMath, "Sum of the products of corresponding array items"},

	{"AVERAGE", CategoryStatistical, "Arithmetic mean of its arguments"},
	{"AVERAGEIF", CategoryStatistical, "Mean of the cells that meet a criterion"},
	{"COUNT", CategoryStatistical, "Counts the numbers in a list of arguments"},
	{"COUNTA", CategoryStatistical, "Counts non-empty values"},
	{"COUNTBLANK", CategoryStatistical, "Counts blank cells in a range"},
	{"COUNTIF", CategoryStatistical, "Counts the cells that meet a criterion"},
	{"COUNTIFS", CategoryStatistical, "Counts the cells that meet several criteria"},
	{"LARGE", CategoryStatistical, "The k-th largest value"},
	{"MAX", CategoryStatistical, "Largest value"},
	{"MEDIAN", CategoryStatistical, "Median of the given numbers"},
	{"MIN", CategoryStatistical, "Smallest value"},
	{"SMALL", CategoryStatistical, "The k-th smallest value"},
	{"STDEV", CategoryStatistical, "Sample standard deviation"},
	{"VAR", CategoryStatistical, "Sample variance"},

	{"CONCAT", CategoryText, "Joins text items"},
	{"CONCATENATE", CategoryText, "Joins text items"},
	{"EXACT", CategoryText, "Checks whether two texts are identical"},
	{"FIND", CategoryText, "Position of one text inside another, case-sensitive"},
	{"LEFT", CategoryText, "Leftmost characters of a text"},
	{"LEN", CategoryText, "Number of characters in a text"},
	{"LOWER", CategoryText, "Converts text to lowercase"},
	{"MID", CategoryText, "Characters from the middle of a text"},
	{"PROPER", CategoryText, "Capitalizes the first letter of each word"},
	{"REPLACE", CategoryText, "Replaces characters at a position"},
	{"REPT", CategoryText, "Repeats text a number of times"},
	{"RIGHT", CategoryText, "Rightmost characters of a text"},
	{"SEARCH", CategoryText, "Position of one text inside another"},
	{"SUBSTITUTE", CategoryText, "Substitutes new text for old text"},
	{"TEXT", CategoryText, "Formats a number as text"},
	{"TRIM", CategoryText, "Removes extra spaces"},
	{"UPPER", CategoryText, "Converts text to uppercase"},
	{"VALUE", CategoryText, "Converts text to a number"},

	{"AND", CategoryLogical, "TRUE if all arguments are TRUE"},
	{"FALSE", CategoryLogical, "The logical value FALSE"},
	{"IF", CategoryLogical, "Chooses a value based on a condition"},
	{"IFERROR", CategoryLogical, "A fallback value if an expression is an error"},
	{"IFNA", CategoryLogical, "A fallback value if an expression is #N/A"},
	{"IFS", CategoryLogical, "Value of the first condition that is TRUE"},
	{"NOT", CategoryLogical, "Reverses a logical value"},
	{"OR", CategoryLogical, "TRUE if any argument is TRUE"},
	{"SWITCH", CategoryLogical, "Matches an expression against a list of values"},
	{"TRUE", CategoryLogical, "The logical value TRUE"},
	{"XOR", CategoryLogical, "Exclusive OR of all arguments"},

	{"CHOOSE", CategoryLookup, "Chooses a value from a list by index"},
	{"COLUMN", CategoryLookup, "Column number of a reference"},
	{"COLUMNS", CategoryLookup, "Number of columns in a reference"},
	{"HLOOKUP", CategoryLookup, "Looks in the top row of a table"},
	{"INDEX", CategoryLookup, "Value at a position in a range"},
	{"LOOKUP", CategoryLookup, "Looks up values in a vector"},
	{"MATCH", CategoryLookup, "Position of a value in a range"},
	{"ROW", CategoryLookup, "Row number of a reference"},
	{"ROWS", CategoryLookup, "Number of rows in a reference"},
	{"VLOOKUP", CategoryLookup, "Looks in the first column of a table"},
	{"XLOOKUP", CategoryLookup, "Searches a range and returns the matching item"},

	{"DATE", CategoryDate, "Serial number of a date"},
	{"DATEDIF", CategoryDate, "Difference between two dates"},
	{"DAY", CategoryDate, "Day of the month"},
	{"DAYS", CategoryDate, "Days between two dates"},
	{"EDATE", CategoryDate, "Date a number of months away"},
	{"EOMONTH", CategoryDate, "Last day of the month a number of months away"},
	{"HOUR", CategoryDate, "Hour of a time value"},
	{"MINUTE", CategoryDate, "Minute of a time value"},
	{"MONTH", CategoryDate, "Month of a date"},
	{"NETWORKDAYS", CategoryDate, "Whole working days between two dates"},
	{"NOW", CategoryDate, "Current date and time"},
	{"SECOND", CategoryDate, "Second of a time value"},
	{"TIME", CategoryDate, "Serial number of a time"},
	{"TODAY", CategoryDate, "Current date"},
	{"WEEKDAY", CategoryDate, "Day of the week"},
	{"YEAR", CategoryDate, "Year of a date"},

	{"ISBLANK", CategoryInformation, "TRUE if the value is blank"},
	{"ISERROR", CategoryInformation, "TRUE if the value is any error"},
	{"ISEVEN", CategoryInformation, "TRUE if the number is even"},
	{"ISLOGICAL", CategoryInformation, "TRUE if the value is logical"},
	{"ISNA", CategoryInformation, "TRUE if the value is #N/A"},
	{"ISNUMBER", CategoryInformation, "TRUE if the value is a number"},
	{"ISODD", CategoryInformation, "TRUE if the number is odd"},
	{"ISTEXT", CategoryInformation, "TRUE if the value is text"},
	{"N", CategoryInformation, "A value converted to a number"},
	{"NA", CategoryInformation, "The error value #N/A"},
	{"TYPE", CategoryInformation, "Number indicating the data type of a value"},
}

var byName = func() map[string]Function {
	m := make(map[string]Function, len(catalog))
	for _, fn := range catalog {
		m[fn.Name] = fn
	}
	return m
}()

// Functions returns the supported functions sorted by category, then name.
func Functions() []Function {
	out := append([]Function(nil), catalog...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lookup finds a function by name, ignoring case and the _xlfn. prefix.
func Lookup(name string) (Function, bool) {
	name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "_XLFN.")
	fn, ok := byName[name]
	return fn, ok
}
