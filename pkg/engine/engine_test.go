package engine

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carepath/conduit/pkg/events"
	"github.com/carepath/conduit/pkg/hl7"
	"github.com/carepath/conduit/pkg/trace"
	"github.com/carepath/conduit/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *trace.Store) {
	t.Helper()
	store, err := trace.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	writer := trace.NewWriter(store, 100)
	writer.Start()
	t.Cleanup(writer.Stop)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return New(Config{Trace: writer, Broker: broker}), store
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// fakeRemote is an MLLP listener that ACKs every frame with AA and records
// the payloads it receives.
func fakeRemote(t *testing.T) (port int, received chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received = make(chan []byte, 16)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				framer := hl7.NewFramer(conn)
				for {
					payload, err := framer.Next()
					if err != nil {
						return
					}
					received <- payload
					msg, perr := hl7.Parse(payload)
					if perr != nil {
						return
					}
					conn.Write(hl7.Frame(hl7.BuildAck(msg, hl7.AckApplicationAccept, time.Now())))
				}
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, received
}

func adtSnapshot(servicePort, remotePort int) types.Snapshot {
	var snap types.Snapshot
	snap.Production.Name = "adt-routing"
	snap.Production.Enabled = true
	snap.Items = []types.ItemConfig{
		{
			Name: "PAS-In", Kind: types.ItemService, Enabled: true, AdapterType: "mllp",
			AdapterSettings: map[string]interface{}{
				"Host": "127.0.0.1", "Port": servicePort,
			},
			HostSettings: types.HostSettings{TargetNames: []string{"ADT-Router"}},
		},
		{
			Name: "ADT-Router", Kind: types.ItemProcess, Enabled: true,
		},
		{
			Name: "EPR-Out", Kind: types.ItemOperation, Enabled: true, AdapterType: "mllp",
			AdapterSettings: map[string]interface{}{
				"IPAddress": "127.0.0.1", "Port": remotePort, "RetryInterval": 1,
			},
		},
	}
	snap.RoutingRules = []types.RoutingRule{
		{
			Name: "adt-to-epr", Router: "ADT-Router", Priority: 1, Enabled: true,
			Condition: `{MSH-9.1} = "ADT"`, Action: types.ActionSend, Targets: []string{"EPR-Out"},
		},
	}
	return snap
}

const adtA01 = "MSH|^~\\&|PAS|HOSP|EPR|HOSP|20260101010101||ADT^A01|MSG1|P|2.4\rPID|1||12345\r"

func TestEngine_DeployRouteDeliverTrace(t *testing.T) {
	e, store := newTestEngine(t)
	remotePort, received := fakeRemote(t)
	servicePort := freePort(t)

	require.NoError(t, e.Deploy(context.Background(), "proj1", adtSnapshot(servicePort, remotePort)))
	defer e.Stop(context.Background(), "proj1")

	status, err := e.Status("proj1")
	require.NoError(t, err)
	for name, state := range status {
		assert.Equal(t, types.StateRunning, state, name)
	}

	// Send one framed ADT^A01 into the service and read the synchronous ACK.
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(servicePort)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(hl7.Frame([]byte(adtA01)))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackPayload, err := hl7.NewFramer(conn).Next()
	require.NoError(t, err)
	code, controlID, err := hl7.ParseAck(ackPayload)
	require.NoError(t, err)
	assert.Equal(t, hl7.AckApplicationAccept, code)
	assert.Equal(t, "MSG1", controlID)

	// The remote operation receives the original payload verbatim.
	select {
	case payload := <-received:
		assert.Equal(t, []byte(adtA01), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received the forwarded message")
	}

	// Every leg shares the ingress session and references one body row.
	require.Eventually(t, func() bool {
		sessions, err := store.ListSessions("proj1", 0)
		return err == nil && len(sessions) == 1 && sessions[0].LegCount >= 3
	}, 2*time.Second, 20*time.Millisecond)

	sessions, err := store.ListSessions("proj1", 0)
	require.NoError(t, err)
	legs, err := store.SessionTrace(sessions[0].SessionID)
	require.NoError(t, err)

	items := make(map[string]types.HeaderStatus)
	for _, leg := range legs {
		items[leg.ItemName] = leg.Status
	}
	assert.Equal(t, types.StatusCompleted, items["PAS-In"])
	assert.Equal(t, types.StatusCompleted, items["ADT-Router"])
	assert.Equal(t, types.StatusSent, items["EPR-Out"])
}

func TestEngine_NoMatchWritesNoMatchStatus(t *testing.T) {
	e, store := newTestEngine(t)
	remotePort, received := fakeRemote(t)
	servicePort := freePort(t)

	require.NoError(t, e.Deploy(context.Background(), "proj1", adtSnapshot(servicePort, remotePort)))
	defer e.Stop(context.Background(), "proj1")

	orm := "MSH|^~\\&|PAS|HOSP|EPR|HOSP|20260101010101||ORM^O01|MSG2|P|2.4\r"
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(servicePort)))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(hl7.Frame([]byte(orm)))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = hl7.NewFramer(conn).Next() // ACK still returned
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		headers, err := store.ListHeaders("proj1", trace.HeaderFilter{ItemName: "ADT-Router"})
		return err == nil && len(headers) == 1 && headers[0].Status == types.StatusNoMatch
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case <-received:
		t.Fatal("no-match message must not reach the operation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_ReloadResizesRouterPool(t *testing.T) {
	e, _ := newTestEngine(t)
	remotePort, _ := fakeRemote(t)
	servicePort := freePort(t)
	snap := adtSnapshot(servicePort, remotePort)

	require.NoError(t, e.Deploy(context.Background(), "proj1", snap))
	defer e.Stop(context.Background(), "proj1")

	snap.Items[1].HostSettings.PoolSize = 4
	require.NoError(t, e.Reload(context.Background(), "proj1", snap))

	require.Eventually(t, func() bool {
		m, err := e.ItemMetrics(context.Background(), "proj1", "ADT-Router")
		return err == nil && m.WorkerCount == 4 && m.State == types.StateRunning
	}, 2*time.Second, 20*time.Millisecond)
}

func TestEngine_ReloadRemovesAndAddsItems(t *testing.T) {
	e, _ := newTestEngine(t)
	remotePort, _ := fakeRemote(t)
	servicePort := freePort(t)
	snap := adtSnapshot(servicePort, remotePort)

	require.NoError(t, e.Deploy(context.Background(), "proj1", snap))
	defer e.Stop(context.Background(), "proj1")

	// Drop the operation, add a second router.
	snap.Items = append(snap.Items[:2], types.ItemConfig{
		Name: "Audit-Router", Kind: types.ItemProcess, Enabled: true,
	})
	snap.RoutingRules = nil
	require.NoError(t, e.Reload(context.Background(), "proj1", snap))

	status, err := e.Status("proj1")
	require.NoError(t, err)
	assert.NotContains(t, status, "EPR-Out")
	assert.Equal(t, types.StateRunning, status["Audit-Router"])
}

func TestEngine_DeployRollsBackOnStartFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	remotePort, _ := fakeRemote(t)
	servicePort := freePort(t)

	snap := adtSnapshot(servicePort, remotePort)
	// Second service on the same port cannot bind; deploy must fail and
	// roll back the hosts already started.
	snap.Items = append(snap.Items, types.ItemConfig{
		Name: "PAS-In-2", Kind: types.ItemService, Enabled: true, AdapterType: "mllp",
		AdapterSettings: map[string]interface{}{"Host": "127.0.0.1", "Port": servicePort},
	})
	err := e.Deploy(context.Background(), "proj1", snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAS-In-2")

	_, statusErr := e.Status("proj1")
	assert.Error(t, statusErr, "failed deploy leaves no production behind")
}

func TestValidate_ReportsStructuralErrors(t *testing.T) {
	var snap types.Snapshot
	snap.Items = []types.ItemConfig{
		{Name: "A", Kind: types.ItemService, Enabled: true},
		{Name: "A", Kind: types.ItemProcess, Enabled: true},
		{Name: "B", Kind: "widget", Enabled: true},
	}
	snap.Connections = []types.Connection{
		{SourceItem: "A", TargetItem: "Missing", Kind: types.ConnectionStandard},
	}
	snap.RoutingRules = []types.RoutingRule{
		{Name: "r1", Router: "B", Condition: `{MSH-9.1} = `, Targets: []string{"Nope"}},
	}

	err := Validate(&snap)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate item name")
	assert.Contains(t, err.Error(), "unknown kind")
	assert.Contains(t, err.Error(), "Missing")
	assert.Contains(t, err.Error(), "Nope")
	assert.Contains(t, err.Error(), "condition parse failed")
}

func TestLoadSnapshot_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := dir + "/snap.json"
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"production": {"name": "p", "enabled": true},
		"items": [{"name": "R", "kind": "process", "enabled": true}]
	}`), 0o644))
	snap, err := LoadSnapshot(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "p", snap.Production.Name)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, types.ItemProcess, snap.Items[0].Kind)

	yamlPath := dir + "/snap.yaml"
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
production:
  name: p
  enabled: true
items:
  - name: R
    kind: process
    enabled: true
routing_rules:
  - name: r1
    router: R
    enabled: true
    condition: '{MSH-9.1} = "ADT"'
    action: send
    targets: [R]
`), 0o644))
	snap, err = LoadSnapshot(yamlPath)
	require.NoError(t, err)
	require.Len(t, snap.RoutingRules, 1)
	assert.Equal(t, types.ActionSend, snap.RoutingRules[0].Action)
}
