// Package carla implements a client for the Carla driving simulator's RPC server.
//
// Carla's server speaks msgpack-rpc (the rpclib flavour) over a single TCP
// connection, port 2000 by default. Client multiplexes calls over that
// connection and decodes the array-shaped Carla structures (transforms,
// blueprints, actors, weather and episode settings) into Go types.
//
// Connection sits on top of Client and mirrors how an MCP session uses the
// simulator: it connects lazily, reconnects when the socket drops, and keeps
// track of every actor it spawned so they can be listed and destroyed again.
//
// Sensor data streaming and the Traffic Manager service are not covered; only
// the RPC surface is.
package carla
