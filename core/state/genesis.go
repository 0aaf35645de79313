package state

// GenesisNetwork returns the network name recorded at first boot. The boolean
// reports whether the state has been initialised at all.
func (m *Manager) GenesisNetwork() (string, bool, error) {
	var name string
	ok, err := m.KVGet(genesisMarkerKey, &name)
	if err != nil || !ok {
		return "", false, err
	}
	return name, true, nil
}

// SetGenesisNetwork records the network name, marking the state as
// initialised.
func (m *Manager) SetGenesisNetwork(name string) error {
	return m.KVPut(genesisMarkerKey, name)
}
