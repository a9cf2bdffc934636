package pg

// Schema is the table layout the store expects. Applying it is left to the
// deployment's own migration tooling.
const Schema = `
create table if not exists organizations (
	id          text primary key,
	name        text not null,
	reg         text,
	industry    text,
	location    text,
	contact     text,
	created_at  timestamptz not null default now()
);

create table if not exists distributors (
	id          text primary key,
	name        text not null,
	created_at  timestamptz not null default now()
);

create table if not exists permissions (
	id    text primary key,
	name  text not null unique
);

create table if not exists roles (
	id    text primary key,
	name  text not null unique
);

create table if not exists role_permissions (
	role_id        text not null references roles(id) on delete cascade,
	permission_id  text not null references permissions(id) on delete cascade,
	primary key (role_id, permission_id)
);

create table if not exists users (
	id               text primary key,
	email            text not null unique,
	first_name       text not null,
	last_name        text not null,
	password_hash    text not null,
	role_id          text not null references roles(id),
	organization_id  text references organizations(id),
	distributor_id   text references distributors(id),
	created_at       timestamptz not null default now(),
	constraint users_single_affiliation check (organization_id is null or distributor_id is null)
);

create table if not exists tokens (
	id          text primary key,
	user_id     text not null references users(id) on delete cascade,
	token_hash  text not null unique,
	token_type  text not null,
	revoked     boolean not null default false,
	expired     boolean not null default false,
	issued_at   timestamptz not null,
	expires_at  timestamptz not null
);

create index if not exists tokens_user_valid_idx on tokens (user_id) where not revoked or not expired;
create index if not exists tokens_expiry_idx on tokens (expires_at) where not expired;
`
