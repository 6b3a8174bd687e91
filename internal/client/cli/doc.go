// Package cli is the gophsync device client.
//
// App wires the local database, the keystore, the connector, the syncer
// and the account manager. Run unlocks the keystore and either starts an
// interactive shell or runs a single command once the connection settled:
//
//	put <type> <key> [json]      store a value (prompts for JSON when omitted)
//	get <type> <key>             print a value
//	delete <type> <key>          delete a value
//	list <type>                  list values of a type, unpushed ones marked *
//	status                       connection, device and account
//	connect | disconnect | sync  drive the connection
//	remote ...                   change the relay address, access key or headers
//	export / import              move the account to another device
//	requests / approve / reject  answer login requests of new devices
package cli
