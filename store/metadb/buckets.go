package metadb

// Bucket names for bbolt storage.
var (
	// resource id -> encoded ResourceRecord
	bucketResources = []byte("resources")

	// schema bookkeeping
	bucketInfo = []byte("info")
)

var (
	keySchemaVersion = []byte("schema_version")
)

// SchemaVersion is the on-disk layout version written to the info bucket.
const SchemaVersion = 1
