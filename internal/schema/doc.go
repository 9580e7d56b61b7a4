// Package schema defines the plain records offq queues, persists and
// exchanges: mutations, remote snapshots and conflicts.
//
// # Overview
//
// Every type in this package is a serializable value with no behaviour that
// depends on process state, so a queue written by one process can be reloaded
// by the next.
//
// # Mutation Files
//
// Mutations can also be dropped into an inbox directory as individual JSON
// files named {id}.json. The daemon picks them up and enqueues them:
//
//	{
//	  "id": "m1",
//	  "kind": "update",
//	  "entity_id": "item-42",
//	  "payload": {"name": "Milk"},
//	  "enqueued_at": "2026-01-10T07:36:29Z",
//	  "priority": 0
//	}
//
// # Kinds
//
//   - add        - create a new entity
//   - update     - replace fields of an existing entity
//   - delete     - remove an entity (priority 10 by default)
//   - markStatus - change only the status of an entity
//
// # Usage Examples
//
//	m := &schema.Mutation{
//	    Kind:     schema.KindUpdate,
//	    EntityID: "item-42",
//	    Payload:  json.RawMessage(`{"name":"Milk"}`),
//	}
//	if err := schema.WriteMutationFile(inboxDir, m); err != nil {
//	    return err
//	}
package schema
