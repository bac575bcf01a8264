package storage

import (
	"testing"
	"time"

	"github.com/geotrail/gtrd/model"
)

func TestShouldCacheLast(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)

	position := func(id int64, fixTime time.Time) *model.Position {
		p := model.NewPosition("gtr9", 1)
		p.Id = id
		p.FixTime = fixTime
		return p
	}

	testCases := []struct {
		Name     string
		Position *model.Position
		Last     *model.Position
		Expected bool
	}{
		{
			Name:     "FirstPosition",
			Position: position(1, now),
			Last:     nil,
			Expected: true,
		},
		{
			Name:     "SamePosition",
			Position: position(1, now),
			Last:     position(1, now),
			Expected: true,
		},
		{
			Name:     "NewerFixTime",
			Position: position(2, now.Add(time.Minute)),
			Last:     position(1, now),
			Expected: true,
		},
		{
			Name:     "EqualFixTime",
			Position: position(2, now),
			Last:     position(1, now),
			Expected: true,
		},
		{
			Name:     "ReplayedOlderPosition",
			Position: position(2, now.Add(-2*time.Hour)),
			Last:     position(1, now),
			Expected: false,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(test *testing.T) {
			actual := shouldCacheLast(testCase.Position, testCase.Last)
			if actual != testCase.Expected {
				test.Errorf("Wrong decision! Expected: %v Actual: %v", testCase.Expected, actual)
			}
		})
	}
}
