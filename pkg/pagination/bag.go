package pagination

import (
	"encoding/json"
	"fmt"
)

// PageState is one level of a nested listing: what is being listed and where it stopped.
type PageState struct {
	Token          string `json:"token,omitempty"`
	ResourceTypeID string `json:"type,omitempty"`
	ResourceID     string `json:"id,omitempty"`
}

// Bag holds a stack of PageStates so a nested listing can be resumed from one opaque cursor.
type Bag struct {
	states       []PageState
	currentState *PageState
}

type serializedBag struct {
	States       []PageState `json:"states"`
	CurrentState *PageState  `json:"current_state"`
}

func (pb *Bag) push(s PageState) {
	if pb.currentState == nil {
		pb.currentState = &s
		return
	}

	pb.states = append(pb.states, *pb.currentState)
	pb.currentState = &s
}

func (pb *Bag) pop() *PageState {
	if pb.currentState == nil {
		return nil
	}

	ret := *pb.currentState

	if len(pb.states) > 0 {
		pb.currentState = &pb.states[len(pb.states)-1]
		pb.states = pb.states[:len(pb.states)-1]
	} else {
		pb.currentState = nil
	}

	return &ret
}

// Push starts listing a new level on top of the current one.
func (pb *Bag) Push(s PageState) {
	pb.push(s)
}

// Pop finishes the current level and returns it.
func (pb *Bag) Pop() *PageState {
	return pb.pop()
}

// Next moves the current level to pageToken. An empty token finishes the level.
func (pb *Bag) Next(pageToken string) error {
	st := pb.pop()
	if st == nil {
		return fmt.Errorf("pagination: no active page state")
	}

	if pageToken != "" {
		st.Token = pageToken
		pb.push(*st)
	}
	return nil
}

// NextToken is Next followed by Marshal.
func (pb *Bag) NextToken(pageToken string) (string, error) {
	err := pb.Next(pageToken)
	if err != nil {
		return "", err
	}
	return pb.Marshal()
}

func (pb *Bag) Current() *PageState {
	return pb.currentState
}

func (pb *Bag) PageToken() string {
	if pb.currentState == nil {
		return ""
	}
	return pb.currentState.Token
}

func (pb *Bag) ResourceTypeID() string {
	if pb.currentState == nil {
		return ""
	}
	return pb.currentState.ResourceTypeID
}

func (pb *Bag) ResourceID() string {
	if pb.currentState == nil {
		return ""
	}
	return pb.currentState.ResourceID
}

// Done reports whether every level has been exhausted.
func (pb *Bag) Done() bool {
	return pb.currentState == nil
}

// Marshal returns the opaque cursor for the bag. An exhausted bag marshals to "".
func (pb *Bag) Marshal() (string, error) {
	if pb.currentState == nil {
		return "", nil
	}

	data, err := json.Marshal(serializedBag{
		States:       pb.states,
		CurrentState: pb.currentState,
	})
	if err != nil {
		return "", err
	}

	return string(data), nil
}

func (pb *Bag) Unmarshal(input string) error {
	pb.states = nil
	pb.currentState = nil
	if input == "" {
		return nil
	}

	var target serializedBag
	err := json.Unmarshal([]byte(input), &target)
	if err != nil {
		return fmt.Errorf("pagination: invalid page token: %w", err)
	}

	pb.states = target.States
	pb.currentState = target.CurrentState
	return nil
}
