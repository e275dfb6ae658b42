package dht

/*
	This file stores all the SQL queries needed for the record store.
	All of them are prepared when the store is opened.
*/

const (
	/*
		cid       - the CID of the user supplied key, as a string
		value     - the stored value
		publisher - the address of the peer that published the record
		expires   - unix seconds after which the record is dropped
	*/
	sqlCreateRecordsTable = `
		CREATE TABLE IF NOT EXISTS
			record(
				cid TEXT PRIMARY KEY NOT NULL,
				value BLOB NOT NULL,
				publisher TEXT NOT NULL,
				expires INT NOT NULL
			)
	`

	/*
		cid     - the CID of the user supplied key
		address - the address of the provider
		entry   - the msgpack encoded, signed entry of the provider
		expires - unix seconds
	*/
	sqlCreateProvidersTable = `
		CREATE TABLE IF NOT EXISTS
			provider(
				id INTEGER PRIMARY KEY NOT NULL,
				cid TEXT NOT NULL,
				address TEXT NOT NULL,
				entry BLOB NOT NULL,
				expires INT NOT NULL,
				UNIQUE(cid, address)
			)
	`

	/*
		cid  - the CID of the user supplied key
		data - content this node hands to anyone fetching the key
	*/
	sqlCreateContentTable = `
		CREATE TABLE IF NOT EXISTS
			content(
				cid TEXT PRIMARY KEY NOT NULL,
				data BLOB NOT NULL
			)
	`

	sqlIndexProviders = `
		CREATE INDEX IF NOT EXISTS
			providerKeyIndex ON provider(cid)
	`

	sqlPutRecord = `
		INSERT OR REPLACE INTO record (cid, value, publisher, expires)
		VALUES(?, ?, ?, ?)
	`

	sqlQueryRecord = `
		SELECT value, publisher, expires FROM record WHERE cid=? AND expires>?
	`

	sqlPutProvider = `
		INSERT OR REPLACE INTO provider (cid, address, entry, expires)
		VALUES(?, ?, ?, ?)
	`

	sqlQueryProviders = `
		SELECT entry FROM provider WHERE cid=? AND expires>? ORDER BY address
	`

	sqlPutContent = `
		INSERT OR REPLACE INTO content (cid, data) VALUES(?, ?)
	`

	sqlQueryContent = `
		SELECT data FROM content WHERE cid=?
	`

	sqlExpireRecords = `
		DELETE FROM record WHERE expires<=?
	`

	sqlExpireProviders = `
		DELETE FROM provider WHERE expires<=?
	`

	sqlRecordCount = `
		SELECT COUNT(*) FROM record
	`
)
