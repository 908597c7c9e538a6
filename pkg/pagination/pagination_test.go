package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPaginationBagMarshalling(t *testing.T) {
	bag := &Bag{}
	domain := "example.com"
	nextPageToken := "page=1"
	firstPageState := PageState{
		ResourceTypeID: "group",
		ResourceID:     domain,
	}

	bag.Push(firstPageState)
	err := bag.Next(nextPageToken)
	require.NoError(t, err)
	cursor, err := bag.Marshal()
	require.NoError(t, err)

	restored := &Bag{}
	err = restored.Unmarshal(cursor)
	require.NoError(t, err)
	require.Equal(t, nextPageToken, restored.PageToken())
	require.Equal(t, "group", restored.ResourceTypeID())
	require.Equal(t, domain, restored.ResourceID())
	firstPageState.Token = nextPageToken
	require.Equal(t, firstPageState, *restored.Current())
}

func TestPaginationBagLevels(t *testing.T) {
	bag := &Bag{}
	first := PageState{Token: "page=1", ResourceTypeID: "user", ResourceID: "a.example.com"}
	second := PageState{Token: "page=2", ResourceTypeID: "user", ResourceID: "b.example.com"}

	bag.Push(first)
	bag.Push(second)
	require.Equal(t, second, *bag.Current())
	popped := bag.Pop()
	require.Equal(t, second, *popped)
	require.Equal(t, first, *bag.Current())

	token, err := bag.NextToken("page=3")
	require.NoError(t, err)
	marshalled, err := bag.Marshal()
	require.NoError(t, err)
	require.Equal(t, token, marshalled)

	// An empty token finishes the level.
	require.NoError(t, bag.Next(""))
	require.True(t, bag.Done())
	cursor, err := bag.Marshal()
	require.NoError(t, err)
	require.Empty(t, cursor)

	require.Error(t, bag.Next("page=4"))
}

func TestPaginationBagUnmarshalErrors(t *testing.T) {
	bag := &Bag{}
	require.NoError(t, bag.Unmarshal(""))
	require.True(t, bag.Done())
	require.Error(t, bag.Unmarshal("{not json"))
}
