package target

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddAppliesDefaults(t *testing.T) {
	r := NewRegistry(0)

	cube, err := r.Add(Target{DeviceType: "csr", Host: " 10.1.1.1 "})
	require.NoError(t, err)
	assert.NotEmpty(t, cube.ID)
	assert.Equal(t, DeviceCSR1000v, cube.DeviceType)
	assert.Equal(t, "10.1.1.1", cube.Host)
	assert.Equal(t, 22, cube.Port)
	assert.Equal(t, "GigabitEthernet1", cube.InterfaceName)

	cucm, err := r.Add(Target{DeviceType: DeviceCUCM, Host: "cucm-pub.example.com", Port: 2222})
	require.NoError(t, err)
	assert.Equal(t, 2222, cucm.Port)
	assert.Equal(t, "eth0", cucm.InterfaceName)

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, cube.ID, list[0].ID)
	assert.Equal(t, cucm.ID, list[1].ID)
}

func TestRegistryRejectsInvalidTargets(t *testing.T) {
	r := NewRegistry(0)
	cases := []Target{
		{Host: "10.0.0.1"},
		{DeviceType: "pbx", Host: "10.0.0.1"},
		{DeviceType: DeviceCUBE},
		{DeviceType: DeviceCUBE, Host: "bad host"},
		{DeviceType: DeviceCUBE, Host: "10.0.0.1", Port: 70000},
	}
	for i, tc := range cases {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := r.Add(tc)
			assert.Error(t, err)
		})
	}
	assert.Equal(t, 0, r.Len())
}

func TestRegistryCapacity(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < DefaultMaxTargets; i++ {
		_, err := r.Add(Target{DeviceType: DeviceCUBE, Host: fmt.Sprintf("10.0.0.%d", i+1)})
		require.NoError(t, err)
	}
	_, err := r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.1.1"})
	assert.ErrorIs(t, err, ErrRegistryFull)
}

func TestRegistryRejectsDuplicateEndpoint(t *testing.T) {
	r := NewRegistry(0)
	_, err := r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.1"})
	require.NoError(t, err)
	_, err = r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.1", Port: 22})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same host, different platform is a different target.
	_, err = r.Add(Target{DeviceType: DeviceExpressway, Host: "10.0.0.1"})
	assert.NoError(t, err)
}

func TestRegistryLockFreezesMutations(t *testing.T) {
	r := NewRegistry(0)
	tg, err := r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.1"})
	require.NoError(t, err)

	require.NoError(t, r.SetCredentials(tg.ID, Credentials{Username: "admin", Password: "secret"}))
	r.Lock()
	assert.True(t, r.Locked())

	_, err = r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.2"})
	assert.ErrorIs(t, err, ErrLocked)
	assert.ErrorIs(t, r.Remove(tg.ID), ErrLocked)
	assert.ErrorIs(t, r.SetCredentials(tg.ID, Credentials{Username: "x", Password: "y"}), ErrLocked)

	got, ok := r.Get(tg.ID)
	require.True(t, ok)
	assert.Equal(t, "admin", got.Credentials.Username)

	r.Reset()
	assert.False(t, r.Locked())
	assert.Equal(t, 0, r.Len())
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry(0)
	tg, err := r.Add(Target{DeviceType: DeviceCUCM, Host: "10.0.0.1"})
	require.NoError(t, err)
	_, err = r.Update(tg.ID, func(t *Target) {
		t.Discovered = true
		t.Nodes = []Node{{IP: "10.0.0.1"}, {IP: "10.0.0.2"}}
		t.SelectedNodes = []string{"10.0.0.1", "10.0.0.2"}
	})
	require.NoError(t, err)

	got, _ := r.Get(tg.ID)
	got.SelectedNodes[0] = "mutated"
	again, _ := r.Get(tg.ID)
	assert.Equal(t, "10.0.0.1", again.SelectedNodes[0])
}

func TestSetAllCredentialsByDeviceType(t *testing.T) {
	r := NewRegistry(0)
	a, _ := r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.1"})
	b, _ := r.Add(Target{DeviceType: DeviceExpressway, Host: "10.0.0.2"})

	require.NoError(t, r.SetAllCredentials(DeviceCUBE, Credentials{Username: "cisco", Password: "cisco"}))
	ga, _ := r.Get(a.ID)
	gb, _ := r.Get(b.ID)
	assert.True(t, ga.Credentials.Complete())
	assert.False(t, gb.Credentials.Complete())
}

func TestEffectiveNodesAppliesOverrides(t *testing.T) {
	tg := Target{
		SelectedNodes:   []string{"cucm-sub1", "10.0.0.3"},
		NodeIPOverrides: map[string]string{"cucm-sub1": " 192.168.1.11 ", "10.0.0.3": ""},
	}
	assert.Equal(t, []string{"192.168.1.11", "10.0.0.3"}, tg.EffectiveNodes())
}

func TestDeviceTypesPresent(t *testing.T) {
	r := NewRegistry(0)
	_, _ = r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.1"})
	_, _ = r.Add(Target{DeviceType: DeviceCUCM, Host: "10.0.0.2"})
	_, _ = r.Add(Target{DeviceType: DeviceCUBE, Host: "10.0.0.3"})
	assert.Equal(t, []DeviceType{DeviceCUBE, DeviceCUCM}, r.DeviceTypesPresent())
}
