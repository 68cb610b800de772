package promotion

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsmada/interflow/catalog"
	"github.com/tsmada/interflow/connector/tcp"
	"github.com/tsmada/interflow/engine"
)

func makeArtifact(t *testing.T, id string, revision int, deps ...string) Artifact {
	var def = &catalog.Definition{
		ChannelConfig: engine.ChannelConfig{ID: id, Name: "Channel " + id, Revision: revision},
		Dependencies:  deps,
		Source: catalog.SourceDef{
			Type: catalog.TypeTCP,
			TCP:  &tcp.SourceSettings{ServerMode: true, Port: 6661},
		},
		Destinations: []catalog.DestinationDef{{
			Type:              catalog.TypeTCP,
			DestinationConfig: engine.DestinationConfig{MetaDataID: 1, Name: "Out"},
			TCP:               &tcp.DestinationSettings{Host: "downstream", Port: 6700},
		}},
	}
	var art, err = FromDefinition(def)
	require.NoError(t, err)
	return art
}

func TestPlanOrdersByDependency(t *testing.T) {
	var available = []Artifact{
		makeArtifact(t, "ch1", 1, "ch2"),
		makeArtifact(t, "ch2", 1, "ch3"),
		makeArtifact(t, "ch3", 1),
	}

	var plan, err = Plan(available, []string{"ch1", "ch2", "ch3"}, nil)
	require.NoError(t, err)
	require.Empty(t, plan.Warnings)

	var order []string
	for _, step := range plan.Steps {
		order = append(order, step.Artifact.ChannelID)
		require.True(t, step.New)
	}
	require.Equal(t, []string{"ch3", "ch2", "ch1"}, order)
}

func TestPlanPullsInDependencies(t *testing.T) {
	var available = []Artifact{
		makeArtifact(t, "ch1", 1, "ch2"),
		makeArtifact(t, "ch2", 1),
	}

	// Requesting only ch1 still promotes ch2 first.
	var plan, err = Plan(available, []string{"ch1"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	require.Equal(t, "ch2", plan.Steps[0].Artifact.ChannelID)
	require.Equal(t, "ch1", plan.Steps[1].Artifact.ChannelID)
}

func TestPlanDetectsCycles(t *testing.T) {
	var available = []Artifact{
		makeArtifact(t, "ch1", 1, "ch2"),
		makeArtifact(t, "ch2", 1, "ch1"),
	}
	var _, err = Plan(available, []string{"ch1"}, nil)
	require.ErrorContains(t, err, "dependency cycle")
}

func TestPlanWarnsOnMissingDependency(t *testing.T) {
	var available = []Artifact{makeArtifact(t, "ch1", 1, "elsewhere")}

	var plan, err = Plan(available, []string{"ch1"}, nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	require.Len(t, plan.Warnings, 1)
	require.Contains(t, plan.Warnings[0], "elsewhere")
}

func TestPlanRejectsUnknownChannel(t *testing.T) {
	var _, err = Plan(nil, []string{"ghost"}, nil)
	require.ErrorContains(t, err, "no artifact")
}

func TestPlanDiffsAgainstCurrent(t *testing.T) {
	var incoming = makeArtifact(t, "ch1", 2)
	var current = makeArtifact(t, "ch1", 1)

	var plan, err = Plan([]Artifact{incoming}, []string{"ch1"},
		map[string]Artifact{"ch1": current})
	require.NoError(t, err)
	require.False(t, plan.Steps[0].New)
	require.NotEmpty(t, plan.Steps[0].Diff)

	// An identical document diffs empty.
	plan, err = Plan([]Artifact{incoming}, []string{"ch1"},
		map[string]Artifact{"ch1": incoming})
	require.NoError(t, err)
	require.Empty(t, plan.Steps[0].Diff)
}

func TestDirSourceRoundTrip(t *testing.T) {
	var dir = t.TempDir()
	var art = makeArtifact(t, "ch1", 3, "ch2")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch1.xml"), art.XML, 0644))

	var listed, err = DirSource{Dir: dir}.List(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, "ch1", listed[0].ChannelID)
	require.Equal(t, 3, listed[0].Revision)
	require.Equal(t, []string{"ch2"}, listed[0].Dependencies)
}

func TestOverridesRewriteSettings(t *testing.T) {
	var overrides, err = LoadOverrides([]byte(`{
		"production": {
			"storageMode": "PRODUCTION",
			"destinations": [
				{"type": "tcp", "metaDataId": 1, "name": "Out",
				 "tcp": {"host": "prod.internal", "port": 7700}}
			]
		}
	}`))
	require.NoError(t, err)

	var art = makeArtifact(t, "ch1", 1)
	patched, err := overrides.ApplyOverride(art, "production")
	require.NoError(t, err)

	var def *catalog.Definition
	def, err = patched.Definition()
	require.NoError(t, err)
	require.Equal(t, "PRODUCTION", def.StorageMode)
	require.Equal(t, "prod.internal", def.Destinations[0].TCP.Host)
	require.Equal(t, 7700, def.Destinations[0].TCP.Port)

	// An environment with no override passes through untouched.
	same, err := overrides.ApplyOverride(art, "staging")
	require.NoError(t, err)
	require.Equal(t, art.XML, same.XML)
}

func TestOverridesMayNotChangeID(t *testing.T) {
	var overrides = Overrides{"production": json.RawMessage(`{"id": "other"}`)}
	var _, err = overrides.ApplyOverride(makeArtifact(t, "ch1", 1), "production")
	require.ErrorContains(t, err, "may not change the channel id")
}

func TestRequestApprovalStateMachine(t *testing.T) {
	var plan = &PlanResult{}
	var r = NewRequest(plan, 2)
	require.Equal(t, StatePending, r.State())

	require.NoError(t, r.Approve("alice"))
	require.Equal(t, StatePending, r.State())

	// A second approval by the same user doesn't count twice.
	require.NoError(t, r.Approve("alice"))
	require.Equal(t, StatePending, r.State())

	require.NoError(t, r.Approve("bob"))
	require.Equal(t, StateApproved, r.State())
	require.Equal(t, []string{"alice", "bob"}, r.Approvers())
}

func TestRequestRejection(t *testing.T) {
	var r = NewRequest(&PlanResult{}, 1)
	require.NoError(t, r.Reject("carol"))
	require.Equal(t, StateRejected, r.State())
	require.Equal(t, "carol", r.RejectedBy())

	require.ErrorContains(t, r.Approve("alice"), "REJECTED")
	require.ErrorContains(t, r.Execute(context.Background(), nil), "REJECTED")
}

func TestRequestExecuteAppliesInPlanOrder(t *testing.T) {
	var available = []Artifact{
		makeArtifact(t, "ch1", 1, "ch2"),
		makeArtifact(t, "ch2", 1),
	}
	var plan, err = Plan(available, []string{"ch1"}, nil)
	require.NoError(t, err)

	var r = NewRequest(plan, 0)
	require.Equal(t, StateApproved, r.State())

	var target = t.TempDir()
	require.NoError(t, r.Execute(context.Background(), DirApplier{Dir: target}))
	require.Equal(t, StateApplied, r.State())

	// Both artifacts landed and re-list in the target.
	var listed, _ = DirSource{Dir: target}.List(context.Background())
	require.Len(t, listed, 2)

	// Applied is terminal.
	require.ErrorContains(t, r.Execute(context.Background(), DirApplier{Dir: target}), "APPLIED")
	require.ErrorContains(t, r.Reject("dave"), "APPLIED")
}
