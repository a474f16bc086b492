// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-cryptohome.
//
// go-cryptohome is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
)

func TestPrintStatusText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("text", &buf)

	err := p.PrintStatus(mount.Status{
		Username:    "alice@example.com",
		State:       mount.StateMounted,
		Type:        mount.MountTypeDirCrypto,
		KeysetIndex: 0,
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "alice@example.com")
	assert.Contains(t, buf.String(), "mounted")
	assert.Contains(t, buf.String(), "dircrypto")
	assert.Contains(t, buf.String(), "Keyset index: 0")
}

func TestPrintStatusJSON(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("json", &buf)

	err := p.PrintStatus(mount.Status{Username: "bob", KeysetIndex: 2})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "bob", decoded["username"])
	assert.Equal(t, float64(2), decoded["keyset_index"])
}

func TestPrintStatusRecreated(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("text", &buf)

	err := p.PrintStatus(mount.Status{Username: "carol", KeysetIndex: -1, Recreated: true})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "recreated")
	assert.NotContains(t, buf.String(), "Keyset index")
}

func TestPrintKeysetsTable(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("table", &buf)

	err := p.PrintKeysets([]int{0, 2}, []string{"default", "pin"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "INDEX")
	assert.Contains(t, buf.String(), "default")
	assert.Contains(t, buf.String(), "pin")
}

func TestPrintKeysetsEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("text", &buf)

	require.NoError(t, p.PrintKeysets(nil, nil))
	assert.Contains(t, buf.String(), "No keysets found")
}

func TestPrintMessageFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter("text", &buf).PrintMessage("done"))
	assert.Equal(t, "done\n", buf.String())

	buf.Reset()
	require.NoError(t, NewPrinter("json", &buf).PrintMessage("done"))
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "done", decoded["message"])
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewPrinter("text", &buf).PrintError(errors.New("boom")))
	assert.Contains(t, buf.String(), "boom")
}

func TestUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter("yaml", &buf)
	assert.Error(t, p.PrintMessage("x"))
	assert.Error(t, p.PrintStatus(mount.Status{}))
	assert.Error(t, p.PrintKeysets(nil, nil))
}
