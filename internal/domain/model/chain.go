package model

type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkHolesky Network = "holesky"
	NetworkHoodi   Network = "hoodi"
	NetworkSepolia Network = "sepolia"
)

func (n Network) String() string {
	return string(n)
}

// ParseNetwork maps a configured network name to a known Network.
func ParseNetwork(s string) (Network, bool) {
	switch Network(s) {
	case NetworkMainnet, NetworkHolesky, NetworkHoodi, NetworkSepolia:
		return Network(s), true
	default:
		return "", false
	}
}
