package domain

import "strconv"

// Component is a registered backend service: { id, type, url }.
// id is globally unique; (type, id) is indexed; a given id belongs to exactly
// one type. See internal/usecase/registry for the index this type feeds.
type Component struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// WellKnownService is a default host:port entry for a service type, used by
// the Recipient Resolver only when discovery, the environment, and the local
// registry all miss.
type WellKnownService struct {
	Type string
	Host string
	Port int
}

// WellKnownServices is the static fallback table from spec §6.
var WellKnownServices = []WellKnownService{
	{Type: "CapabilitiesManager", Host: "localhost", Port: 5060},
	{Type: "Brain", Host: "localhost", Port: 5070},
	{Type: "Librarian", Host: "localhost", Port: 5040},
	{Type: "MissionControl", Host: "localhost", Port: 5030},
	{Type: "Engineer", Host: "localhost", Port: 5050},
}

// assistantServicePortBase and assistantServiceCount describe the
// "assistant services on ports 3000-3017" block from spec §6: 18 services
// named Assistant0..Assistant17, each bound to 3000+n.
const (
	assistantServicePortBase = 3000
	assistantServiceCount    = 18
)

func init() {
	for n := 0; n < assistantServiceCount; n++ {
		WellKnownServices = append(WellKnownServices, WellKnownService{
			Type: assistantServiceName(n),
			Host: "localhost",
			Port: assistantServicePortBase + n,
		})
	}
}

func assistantServiceName(n int) string {
	return "Assistant" + strconv.Itoa(n)
}
