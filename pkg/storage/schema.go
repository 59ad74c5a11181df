package storage

const schema = `
CREATE TABLE IF NOT EXISTS releases (
	distro   TEXT NOT NULL,
	release  TEXT NOT NULL,
	PRIMARY KEY (distro, release)
);

CREATE TABLE IF NOT EXISTS subtargets (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	distro       TEXT NOT NULL,
	release      TEXT NOT NULL,
	target       TEXT NOT NULL,
	subtarget    TEXT NOT NULL,
	supported    INTEGER NOT NULL DEFAULT 0,
	package_sync TIMESTAMP,
	UNIQUE (distro, release, target, subtarget)
);

CREATE TABLE IF NOT EXISTS packages_available (
	subtarget_id INTEGER NOT NULL REFERENCES subtargets(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	PRIMARY KEY (subtarget_id, name)
);

CREATE TABLE IF NOT EXISTS packages_default (
	subtarget_id INTEGER PRIMARY KEY REFERENCES subtargets(id) ON DELETE CASCADE,
	packages     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	subtarget_id INTEGER NOT NULL REFERENCES subtargets(id) ON DELETE CASCADE,
	profile      TEXT NOT NULL,
	model        TEXT NOT NULL,
	packages     TEXT NOT NULL,
	PRIMARY KEY (subtarget_id, profile)
);

CREATE TABLE IF NOT EXISTS packages_hashes (
	hash     TEXT PRIMARY KEY,
	packages TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS image_requests (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_hash    TEXT NOT NULL UNIQUE,
	distro          TEXT NOT NULL,
	release         TEXT NOT NULL,
	target          TEXT NOT NULL,
	subtarget       TEXT NOT NULL,
	profile         TEXT NOT NULL,
	packages_hash   TEXT NOT NULL REFERENCES packages_hashes(hash),
	network_profile TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'requested',
	image_hash      TEXT,
	created         TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS image_requests_claim
	ON image_requests (status, distro, release, target, subtarget);

CREATE TABLE IF NOT EXISTS imagebuilder_requests (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	distro    TEXT NOT NULL,
	release   TEXT NOT NULL,
	target    TEXT NOT NULL,
	subtarget TEXT NOT NULL,
	status    TEXT NOT NULL DEFAULT 'requested',
	UNIQUE (distro, release, target, subtarget)
);

CREATE TABLE IF NOT EXISTS workers (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL,
	address   TEXT NOT NULL DEFAULT '',
	pubkey    TEXT NOT NULL DEFAULT '',
	heartbeat TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS worker_skills (
	worker_id    INTEGER NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
	subtarget_id INTEGER NOT NULL REFERENCES subtargets(id) ON DELETE CASCADE,
	status       TEXT NOT NULL DEFAULT 'ready',
	PRIMARY KEY (worker_id, subtarget_id)
);

CREATE TABLE IF NOT EXISTS manifests (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS manifest_packages (
	manifest_hash TEXT NOT NULL,
	name          TEXT NOT NULL,
	version       TEXT NOT NULL,
	PRIMARY KEY (manifest_hash, name)
);

CREATE TABLE IF NOT EXISTS images (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	image_hash        TEXT NOT NULL UNIQUE,
	distro            TEXT NOT NULL,
	release           TEXT NOT NULL,
	target            TEXT NOT NULL,
	subtarget         TEXT NOT NULL,
	profile           TEXT NOT NULL,
	manifest_hash     TEXT NOT NULL,
	network_profile   TEXT NOT NULL DEFAULT '',
	checksum          TEXT NOT NULL,
	filesize          INTEGER NOT NULL,
	build_date        TIMESTAMP NOT NULL,
	sysupgrade_suffix TEXT NOT NULL DEFAULT '',
	subtarget_in_name INTEGER NOT NULL DEFAULT 0,
	profile_in_name   INTEGER NOT NULL DEFAULT 0,
	vanilla           INTEGER NOT NULL DEFAULT 0
);
`
