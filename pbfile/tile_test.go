package pbfile

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveTileBasics(t *testing.T) {
	raw, err := Parse(samplePBLines())
	require.NoError(t, err)

	tile := DeriveTile(raw, "/tmp/poland_warszawa_2023.pb")

	assert.Equal(t, "poland_warszawa_2023.pb", tile.FileName)
	assert.Equal(t, "Poland_Warszawa_2023", tile.WebpageName)
	assert.Equal(t, "Poland Warszawa 2023", tile.Title)
	assert.Equal(t, 3, tile.NumVotes)
	assert.Equal(t, 3, tile.NumProjects)

	require.NotNil(t, tile.Budget)
	assert.Equal(t, int64(4000000), *tile.Budget)

	require.NotNil(t, tile.Year)
	assert.Equal(t, 2023, *tile.Year)

	// ballots: 2, 1 and 3 selections
	require.NotNil(t, tile.VoteLength)
	assert.InDelta(t, 2.0, *tile.VoteLength, 1e-9)

	assert.True(t, tile.HasSelectedCol)
	require.NotNil(t, tile.NumSelectedProjects)
	assert.Equal(t, 2, *tile.NumSelectedProjects)
	// 150000 selected cost against 4M budget, not all selected
	assert.False(t, tile.FullyFunded)

	// vote_length² · num_projects · sqrt(num_votes)
	assert.InDelta(t, 4*3*math.Sqrt(3), tile.Quality, 1e-9)
}

func TestDeriveTileTitleFallsBackToFileName(t *testing.T) {
	raw, err := Parse([]string{"META", "key;value", "budget;100"})
	require.NoError(t, err)
	tile := DeriveTile(raw, "some_city_2020.pb")
	assert.Equal(t, "", tile.WebpageName)
	assert.Equal(t, "some city 2020", tile.Title)
}

func TestParseBudgetVariants(t *testing.T) {
	tests := []struct {
		in   string
		want *int64
	}{
		{"4000000", int64Ptr(4000000)},
		{"40000.0", int64Ptr(40000)},
		{"40000.9", int64Ptr(40000)},
		{" 1234 ", int64Ptr(1234)},
		{"", nil},
		{"n/a", nil},
	}
	for _, tt := range tests {
		got := parseBudget(tt.in)
		if tt.want == nil {
			assert.Nil(t, got, "input %q", tt.in)
		} else {
			require.NotNil(t, got, "input %q", tt.in)
			assert.Equal(t, *tt.want, *got)
		}
	}
}

func TestParseCostDecimalComma(t *testing.T) {
	c, ok := parseCost("1234,5")
	require.True(t, ok)
	assert.Equal(t, int64(1234), c)

	_, ok = parseCost("not a number")
	assert.False(t, ok)
}

func TestDetectYear(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		instance string
		want     *int
	}{
		{"date_begin preferred", map[string]string{"date_begin": "15.03.2019", "year": "2021"}, "2023", intPtr(2019)},
		{"year fallback", map[string]string{"year": "2021"}, "2023", intPtr(2021)},
		{"instance fallback", map[string]string{}, "2023", intPtr(2023)},
		{"out of range rejected", map[string]string{"year": "1234"}, "", nil},
		{"non-numeric instance", map[string]string{}, "spring", nil},
		{"signed year rejected", map[string]string{"year": "+2021"}, "", nil},
		{"signed instance rejected", map[string]string{}, "-2021", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectYear(tt.meta, tt.instance)
			if tt.want == nil {
				assert.Nil(t, got)
			} else {
				require.NotNil(t, got)
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func TestVoteRuleLabel(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		voteType string
		subunit  string
		want     string
		knapsack bool
	}{
		{"fixed k", map[string]string{"min_length": "5", "max_length": "5"}, "approval", "", "k=5", false},
		{"range", map[string]string{"min_length": "2", "max_length": "10"}, "approval", "", "2≤k≤10", false},
		{"trivial lower bound dropped", map[string]string{"min_length": "1", "max_length": "10"}, "approval", "", "k≤10", false},
		{"lower bound only", map[string]string{"min_length": "3"}, "approval", "", "3≤k", false},
		{"no bounds", map[string]string{}, "approval", "", "Any k", false},
		{"cumulative uses pts", map[string]string{"max_sum_points": "10"}, "cumulative", "", "pts≤10", false},
		{"cumulative no bounds", map[string]string{}, "cumulative", "", "Any pts", false},
		{"knapsack via max_sum_cost", map[string]string{"max_sum_cost": "100000"}, "approval", "", "", true},
		{"knapsack via subunit", map[string]string{}, "approval", "Knapsack pilot", "", true},
		{"knapsack meta ignored for non-approval", map[string]string{"max_sum_cost": "100000", "max_sum_points": "10"}, "cumulative", "", "pts≤10", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, knapsack := voteRuleLabel(tt.meta, tt.voteType, tt.subunit)
			assert.Equal(t, tt.want, label)
			assert.Equal(t, tt.knapsack, knapsack)
		})
	}
}

func TestFundingStatus(t *testing.T) {
	t.Run("all selected", func(t *testing.T) {
		projects := map[string]map[string]string{
			"1": {"selected": "1", "cost": "10"},
			"2": {"selected": "1", "cost": "20"},
		}
		funded, count, hasCol := fundingStatus(projects, nil)
		assert.True(t, funded)
		assert.True(t, hasCol)
		require.NotNil(t, count)
		assert.Equal(t, 2, *count)
	})

	t.Run("budget reached", func(t *testing.T) {
		budget := int64(25)
		projects := map[string]map[string]string{
			"1": {"selected": "1", "cost": "30"},
			"2": {"selected": "0", "cost": "20"},
		}
		funded, _, _ := fundingStatus(projects, &budget)
		assert.True(t, funded)
	})

	t.Run("no selected column", func(t *testing.T) {
		projects := map[string]map[string]string{
			"1": {"cost": "30"},
		}
		funded, count, hasCol := fundingStatus(projects, nil)
		assert.False(t, funded)
		assert.False(t, hasCol)
		assert.Nil(t, count)
	})

	t.Run("no projects", func(t *testing.T) {
		funded, count, hasCol := fundingStatus(map[string]map[string]string{}, nil)
		assert.False(t, funded)
		assert.False(t, hasCol)
		assert.Nil(t, count)
	})
}

func TestDeriveFacets(t *testing.T) {
	lines := []string{
		"PROJECTS",
		"project_id;cost;category;target;latitude;longitude",
		"1;100;Education,Sport;children;52.23;21.01",
		"2;200;education;Seniors;;",
		"3;300;;;91.0;200.0",
	}
	raw, err := Parse(lines)
	require.NoError(t, err)
	tile := DeriveTile(raw, "facets.pb")

	assert.True(t, tile.HasGeo)
	assert.True(t, tile.HasCategory)
	assert.True(t, tile.HasTarget)

	assert.Equal(t, 2, tile.CategoryCounts["education"])
	assert.Equal(t, 1, tile.CategoryCounts["sport"])
	// first-seen casing wins
	assert.Equal(t, "Education", tile.CategoryDisplay["education"])
	assert.Equal(t, 1, tile.TargetCounts["children"])
	assert.Equal(t, "Seniors", tile.TargetDisplay["seniors"])
}

func TestDeriveFacetsRejectsOutOfRangeCoordinates(t *testing.T) {
	lines := []string{
		"PROJECTS",
		"project_id;latitude;longitude",
		"1;91.0;10.0",
		"2;45.0;181.0",
	}
	raw, err := Parse(lines)
	require.NoError(t, err)
	tile := DeriveTile(raw, "geo.pb")
	assert.False(t, tile.HasGeo)
}

func TestQualityScoreMonotonicity(t *testing.T) {
	short := 1.5
	long := 4.0
	base := qualityScore(&short, 10, 100)
	assert.Greater(t, qualityScore(&long, 10, 100), base)
	assert.Greater(t, qualityScore(&short, 20, 100), base)
	assert.Greater(t, qualityScore(&short, 10, 400), base)
	assert.Zero(t, qualityScore(nil, 10, 100))
}

func int64Ptr(v int64) *int64 { return &v }
func intPtr(v int) *int       { return &v }
