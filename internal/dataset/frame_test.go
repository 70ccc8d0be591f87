package dataset

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const titanic = `Passenger Class,Sex,Age,Fare,Survived,mlforkids_outcome_label
3,male,22,7.25,false,died
1,female,38,71.2833,true,survived
3,female,,7.925,true,survived
1,female,35,53.1,true,survived
`

func TestReadCSVInfersKinds(t *testing.T) {
	frame, err := ReadCSV(strings.NewReader(titanic))
	require.NoError(t, err)

	assert.Equal(t, 4, frame.Len())
	assert.Equal(t, []string{"Passenger Class", "Sex", "Age", "Fare", "Survived", "mlforkids_outcome_label"}, frame.Names())

	kinds := map[string]Kind{}
	for _, c := range frame.Columns {
		kinds[c.Name] = c.Kind
	}
	assert.Equal(t, map[string]Kind{
		"Passenger Class":         KindInt,
		"Sex":                     KindObject,
		"Age":                     KindFloat,
		"Fare":                    KindFloat,
		"Survived":                KindBool,
		"mlforkids_outcome_label": KindObject,
	}, kinds)

	age, ok := frame.Column("Age")
	require.True(t, ok)
	_, present := age.Float(2)
	assert.False(t, present, "missing value")
	v, present := age.Float(0)
	assert.True(t, present)
	assert.Equal(t, 22.0, v)
}

func TestReadCSVRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"header only":    "a,b,c\n",
		"ragged rows":    "a,b\n1,2\n3\n",
		"unclosed quote": "a,b\n\"1,2\n",
	}
	for name, input := range tests {
		_, err := ReadCSV(strings.NewReader(input))
		assert.ErrorIs(t, err, ErrInvalidDataset, name)
	}
}

func TestReadCSVDuplicateAndBlankHeaders(t *testing.T) {
	frame, err := ReadCSV(strings.NewReader("\uFEFFa,a,,a.1\n1,2,3,4\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a.1", "Unnamed: 2", "a.1.1"}, frame.Names())
}

func TestUniqueKeepsFirstSeenOrder(t *testing.T) {
	c := &Column{Values: []string{"cat", "dog", "cat", "bird"}}
	assert.Equal(t, []string{"cat", "dog", "bird"}, c.Unique())
}

func TestCloneRenameAndWithout(t *testing.T) {
	frame, err := ReadCSV(strings.NewReader("A b,label\n1,x\n2,y\n"))
	require.NoError(t, err)

	clone := frame.Clone()
	clone.Rename(map[string]string{"A b": "a_b"})
	clone.Columns[0].Values[0] = "99"

	assert.Equal(t, []string{"A b", "label"}, frame.Names())
	assert.Equal(t, "1", frame.Columns[0].Values[0])
	assert.Equal(t, []string{"a_b", "label"}, clone.Names())

	features := clone.Without("label")
	assert.Equal(t, []string{"a_b"}, features.Names())
	assert.Equal(t, map[string]string{"a_b": "2"}, features.Row(1))
}
