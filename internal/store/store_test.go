package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/codefionn/scrcpyhub/internal/control"
	"github.com/codefionn/scrcpyhub/internal/device"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceID = "emulator-5554"

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "workflows.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newWorkflow(id string, updatedAt int64) *workflow.Workflow {
	size := control.Size{Width: 1080, Height: 2340}
	return &workflow.Workflow{
		ID:          id,
		DeviceID:    deviceID,
		Name:        "Open settings " + id,
		Description: "swipe down and tap",
		CreatedAt:   100,
		UpdatedAt:   updatedAt,
		ScreenSize:  size,
		Actions: workflow.Actions{
			&workflow.Swipe{
				StartPosition: control.Position{Point: control.Point{X: 540, Y: 0}, ScreenSize: size},
				EndPosition:   control.Position{Point: control.Point{X: 540, Y: 1200}, ScreenSize: size},
				Duration:      300,
			},
			&workflow.Tap{
				Timestamp: 800,
				Position:  control.Position{Point: control.Point{X: 900, Y: 200}, ScreenSize: size},
				Duration:  60,
			},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	want := newWorkflow("wf_a", 200)
	require.NoError(t, s.Save(ctx, want))

	got, err := s.GetByID(ctx, "wf_a", deviceID)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = s.GetByID(ctx, "wf_a", "another-device")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestSaveUpserts(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	w := newWorkflow("wf_a", 200)
	require.NoError(t, s.Save(ctx, w))

	w.Name = "Renamed"
	w.Description = ""
	w.UpdatedAt = 300
	require.NoError(t, s.Save(ctx, w))

	all, err := s.LoadAll(ctx, deviceID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].Name)
	assert.Equal(t, "", all[0].Description)
	assert.Equal(t, int64(100), all[0].CreatedAt)
}

func TestLoadAllOrdersByUpdatedAtDesc(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	require.NoError(t, s.Save(ctx, newWorkflow("wf_old", 10)))
	require.NoError(t, s.Save(ctx, newWorkflow("wf_new", 30)))
	require.NoError(t, s.Save(ctx, newWorkflow("wf_mid", 20)))

	other := newWorkflow("wf_other", 40)
	other.DeviceID = "other"
	require.NoError(t, s.Save(ctx, other))

	all, err := s.LoadAll(ctx, deviceID)
	require.NoError(t, err)

	ids := make([]string, 0, len(all))
	for _, w := range all {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"wf_new", "wf_mid", "wf_old"}, ids)

	none, err := s.LoadAll(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Save(ctx, newWorkflow("wf_a", 1)))

	deleted, err := s.Delete(ctx, "wf_a", "other")
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.Delete(ctx, "wf_a", deviceID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Delete(ctx, "wf_a", deviceID)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := openTemp(t)
	w := newWorkflow("", 1)
	assert.ErrorIs(t, s.Save(context.Background(), w), workflow.ErrInvalid)
}

func TestOpenMigratesLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			screen_width INTEGER NOT NULL,
			screen_height INTEGER NOT NULL,
			actions TEXT NOT NULL
		);
		INSERT INTO workflows VALUES ('wf_legacy', 'Old', NULL, 1, 2, 720, 1280, '[{"type":"text","timestamp":0,"text":"hi"}]');
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	all, err := s.LoadAll(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "wf_legacy", all[0].ID)
	assert.Equal(t, control.Size{Width: 720, Height: 1280}, all[0].ScreenSize)
	assert.Equal(t, workflow.Actions{&workflow.Text{Text: "hi"}}, all[0].Actions)
}

func TestLoadAllSkipsCorruptRows(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	require.NoError(t, s.Save(ctx, newWorkflow("wf_ok", 1)))

	_, err := s.db.Exec(`INSERT INTO workflows (`+selectColumns+`) VALUES ('wf_bad', ?, 'Bad', NULL, 1, 1, 1, 1, 'not json')`, deviceID)
	require.NoError(t, err)

	all, err := s.LoadAll(ctx, deviceID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "wf_ok", all[0].ID)
}

func TestConnections(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)

	older := &device.Connection{ID: "lab", Name: "Lab phone", Hostname: "10.0.0.7", Port: 8000, CreatedAt: 1}
	newer := &device.Connection{ID: "tablet", Name: "Tablet", Hostname: "tablet.local", Port: 443, Secure: true, Type: device.PlatformIOS, CreatedAt: 2}
	require.NoError(t, s.SaveConnection(ctx, older))
	require.NoError(t, s.SaveConnection(ctx, newer))
	assert.ErrorIs(t, s.SaveConnection(ctx, &device.Connection{ID: "bad"}), device.ErrInvalidConnection)

	all, err := s.ListConnections(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, newer, all[0])
	assert.Equal(t, "lab", all[1].ID)
	assert.Equal(t, device.PlatformAndroid, all[1].Type)

	updated := &device.Connection{ID: "lab", Name: "Lab phone 2", Hostname: "10.0.0.8", Port: 8001, CreatedAt: 50}
	require.NoError(t, s.SaveConnection(ctx, updated))
	got, err := s.GetConnection(ctx, "lab")
	require.NoError(t, err)
	assert.Equal(t, "Lab phone 2", got.Name)
	assert.Equal(t, "ws://10.0.0.8:8001/", got.URL())
	assert.Equal(t, int64(1), got.CreatedAt, "creation time is kept on update")

	_, err = s.GetConnection(ctx, "missing")
	assert.ErrorIs(t, err, device.ErrConnectionNotFound)

	deleted, err := s.DeleteConnection(ctx, "lab")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteConnection(ctx, "lab")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestOpenMigratesLegacyConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = legacy.Exec(`
		CREATE TABLE connections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			hostname TEXT NOT NULL,
			port INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
		INSERT INTO connections VALUES ('old', 'Old phone', '192.168.1.4', 8000, 7);
	`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.GetConnection(context.Background(), "old")
	require.NoError(t, err)
	assert.False(t, c.Secure)
	assert.Equal(t, "", c.Type)
	assert.Equal(t, "ws://192.168.1.4:8000/", c.URL())
}
