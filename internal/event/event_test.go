package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_MachineEmit(t *testing.T) {
	ev, err := Decode([]byte(`{"MachineEmit": {"ip": "1.2.3.4", "country": "US"}}`))
	require.NoError(t, err)

	me, ok := ev.(MachineEmit)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "1.2.3.4", me.IP)
	require.NotNil(t, me.Country)
	assert.Equal(t, "US", *me.Country)
}

func TestDecode_MachineEmitWithoutCountry(t *testing.T) {
	for _, body := range []string{
		`{"MachineEmit": {"ip": "1.2.3.4"}}`,
		`{"MachineEmit": {"ip": "1.2.3.4", "country": null}}`,
	} {
		ev, err := Decode([]byte(body))
		require.NoError(t, err, body)
		assert.Nil(t, ev.(MachineEmit).Country, body)
	}
}

func TestDecode_OsEmitSparse(t *testing.T) {
	ev, err := Decode([]byte(`{"OsEmit": {"family": "linux", "arch": "x86_64", "virtualization": false, "extra": 1}}`))
	require.NoError(t, err)

	os, ok := ev.(OsEmit)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, KindOsEmit, os.Kind())
	assert.Equal(t, "linux", os.Family)
	assert.Nil(t, os.Name)
	assert.Nil(t, os.Version)
	assert.Nil(t, os.Build)
	require.NotNil(t, os.Arch)
	assert.Equal(t, "x86_64", *os.Arch)
	require.NotNil(t, os.Virtualization)
	assert.False(t, *os.Virtualization)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"garbage string", `"garbage"`},
		{"number", `42`},
		{"array", `[{"MachineEmit": {"ip": "1.2.3.4"}}]`},
		{"empty object", `{}`},
		{"two tags", `{"MachineEmit": {"ip": "1.2.3.4"}, "OsEmit": {"family": "linux"}}`},
		{"unknown tag", `{"DiskEmit": {"size": 1}}`},
		{"missing ip", `{"MachineEmit": {"country": "US"}}`},
		{"null ip", `{"MachineEmit": {"ip": null}}`},
		{"missing family", `{"OsEmit": {"name": "Ubuntu"}}`},
		{"wrong field type", `{"OsEmit": {"family": "linux", "virtualization": "yes"}}`},
		{"body not object", `{"MachineEmit": "1.2.3.4"}`},
		{"truncated", `{"MachineEmit": {"ip": "1.2`},
		{"empty", ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, ev)
		})
	}
}

func TestMarshal_TaggedForm(t *testing.T) {
	data, err := Marshal(MachineEmit{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"MachineEmit": {"ip": "10.0.0.1"}}`, string(data))

	data, err = Marshal(OsEmit{Family: "windows", Build: String("22631"), Virtualization: Bool(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"OsEmit": {"family": "windows", "build": "22631", "virtualization": true}}`, string(data))

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "22631", *ev.(OsEmit).Build)
}
