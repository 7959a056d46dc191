package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixedIDs(t *testing.T) {
	assert.Regexp(t, `^msg_[0-9A-Z]{26}$`, NewMessageID())
	assert.Regexp(t, `^thr_[0-9A-Z]{26}$`, NewThreadID())
	assert.Regexp(t, `^evt_[0-9A-Z]{26}$`, NewEventID())
	assert.Regexp(t, `^res_[0-9A-Z]{26}$`, NewReservationID())
	assert.Regexp(t, `^cmt_[0-9A-Z]{26}$`, NewCommentID())
	assert.Regexp(t, `^mem-[0-9a-f]{16}$`, NewMemoryID())
}

func TestULIDsAreMonotonic(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	assert.Less(t, a, b)
}

func TestULIDTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewEventID()
	ts, err := ULIDTimestamp(id)
	require.NoError(t, err)
	assert.True(t, ts.After(before))
	assert.True(t, ts.Before(time.Now().Add(time.Second)))

	_, err = ULIDTimestamp("evt_not-a-ulid")
	assert.Error(t, err)
}

func TestProjectDirName(t *testing.T) {
	dir := ProjectDirName("/home/dev/webapp")
	assert.Len(t, dir, 12)
	assert.Regexp(t, `^[0-9a-f]{12}$`, dir)
	assert.Equal(t, dir, ProjectDirName("/home/dev/webapp"), "deterministic")
	assert.NotEqual(t, dir, ProjectDirName("/home/dev/other"))
}

func TestProjectSlug(t *testing.T) {
	cases := map[string]string{
		"/home/dev/My Web App": "my-web-app",
		"C:\\work\\Backend_v2": "backend-v2",
		"webapp":               "webapp",
		"/tmp/---":             "proj",
		"":                     "proj",
	}
	for key, want := range cases {
		assert.Equal(t, want, ProjectSlug(key), "key %q", key)
	}
}

func TestNewCellID(t *testing.T) {
	ts := time.Now()
	id := NewCellID("webapp", "fix login", "", ts, 0)
	assert.Regexp(t, `^webapp-[0-9a-z]{3}$`, id)
	require.NoError(t, ValidateCellID(id))

	// A nonce bump yields a different suffix for the same content.
	bumped := NewCellID("webapp", "fix login", "", ts, 1)
	assert.NotEqual(t, id, bumped)

	assert.Equal(t, id+".3", SubtaskID(id, 3))
	require.NoError(t, ValidateCellID(SubtaskID(id, 3)))
}

func TestValidateCellID(t *testing.T) {
	assert.Error(t, ValidateCellID(""))
	assert.Error(t, ValidateCellID("NoHyphen"))
	assert.Error(t, ValidateCellID("Upper-Case"))
	assert.NoError(t, ValidateCellID("webapp-1i8"))
	assert.NoError(t, ValidateCellID("webapp-1i8.2"))
}

func TestValidateAgentName(t *testing.T) {
	assert.NoError(t, ValidateAgentName("BlueFalcon"))
	assert.NoError(t, ValidateAgentName("worker_2"))
	assert.Error(t, ValidateAgentName(""))
	assert.Error(t, ValidateAgentName("has space"))
	assert.Error(t, ValidateAgentName("system"))
	assert.Error(t, ValidateAgentName("Broadcast"), "reservation check is case-insensitive")
}

func TestGeneratedNamesAreValid(t *testing.T) {
	for i := 0; i < 50; i++ {
		name := GenerateAgentName()
		require.NoError(t, ValidateAgentName(name), "generated name %q", name)
	}
}
