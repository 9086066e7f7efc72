package stdio

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/e1732a364fed/ruci-go/addr"
	"github.com/e1732a364fed/ruci-go/flow"
	"github.com/e1732a364fed/ruci-go/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioRejectsExistingStream(t *testing.T) {
	s := NewStdio(stage.NewConfig(), addr.Address{}, false)

	r, w := os.Pipe()
	defer r.Close()
	defer w.Close()

	res := s.Maps(context.Background(), flow.New(1), stage.Unspecified,
		stage.Params{Stream: stage.ConnStream(nil)})
	// stage.ConnStream(nil) still reports KindConn, so Stdio must reject it.
	assert.Error(t, res.Err)
}

func TestStdioReportsConfiguredTarget(t *testing.T) {
	target := addr.NewHostName(addr.TCP, "example.com", 80)
	s := NewStdio(stage.NewConfig(), target, true)

	res := s.Maps(context.Background(), flow.New(1), stage.Unspecified, stage.Params{})
	require.NoError(t, res.Err)
	assert.True(t, res.HasTarget)
	assert.Equal(t, target, res.Target)

	conn, ok := res.Stream.Conn()
	require.True(t, ok)
	conn.Close()
}

func TestFileIORoundTrip(t *testing.T) {
	inFile, err := os.CreateTemp(t.TempDir(), "fileio-in")
	require.NoError(t, err)
	_, err = inFile.WriteString("payload from disk")
	require.NoError(t, err)
	require.NoError(t, inFile.Close())

	outPath := inFile.Name() + ".out"

	fio := NewFileIO(stage.NewConfig(), FileIOConfig{
		InPath:  inFile.Name(),
		OutPath: outPath,
	})

	res := fio.Maps(context.Background(), flow.New(2), stage.Unspecified,
		stage.Params{PreRead: []byte("early")})
	require.NoError(t, res.Err)

	conn, ok := res.Stream.Conn()
	require.True(t, ok)
	defer conn.Close()

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "payload from disk", string(buf[:n]))

	conn.Close()

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "early", string(written))
}

func TestFileIOAppendsToExistingOutput(t *testing.T) {
	dir := t.TempDir()
	inPath := dir + "/in"
	require.NoError(t, os.WriteFile(inPath, []byte("x"), 0o644))

	outPath := dir + "/out"
	require.NoError(t, os.WriteFile(outPath, []byte("existing-"), 0o644))

	fio := NewFileIO(stage.NewConfig(), FileIOConfig{InPath: inPath, OutPath: outPath})

	res := fio.Maps(context.Background(), flow.New(3), stage.Unspecified,
		stage.Params{PreRead: []byte("appended")})
	require.NoError(t, res.Err)
	conn, _ := res.Stream.Conn()
	conn.Close()

	got, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, "existing-appended", string(got))
}

func TestFileIOOpenInputFailureIsReported(t *testing.T) {
	fio := NewFileIO(stage.NewConfig(), FileIOConfig{
		InPath:  "/nonexistent/path/for/fileio/test",
		OutPath: t.TempDir() + "/out",
	})

	res := fio.Maps(context.Background(), flow.New(4), stage.Unspecified, stage.Params{})
	assert.Error(t, res.Err)
}

func TestThrottledFileCapsBytesPerTurn(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/capped"
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tf := &throttledFile{f: f, bytesPerTurn: 3}
	buf := make([]byte, 10)
	n, err := tf.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestThrottledFileEnforcesSleepInterval(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/paced"
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	tf := &throttledFile{f: f, bytesPerTurn: 1, sleepInterval: 20 * time.Millisecond}
	buf := make([]byte, 1)

	start := time.Now()
	_, err = tf.Read(buf)
	require.NoError(t, err)
	_, err = tf.Read(buf)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}
