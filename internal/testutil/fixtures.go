package testutil

// Seed scripts shared by tests that need a populated database.
const (
	// ShopSchema creates two related tables and a view.
	ShopSchema = `
CREATE TABLE customers (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT DEFAULT 'n/a'
);
CREATE TABLE orders (
    id INTEGER PRIMARY KEY,
    customer_id INTEGER NOT NULL REFERENCES customers(id),
    total REAL
);
CREATE VIEW big_orders AS SELECT * FROM orders WHERE total > 100;
`

	// ShopData fills the ShopSchema tables.
	ShopData = `
INSERT INTO customers (id, name) VALUES (1, 'Alice'), (2, 'Bob');
INSERT INTO orders (id, customer_id, total) VALUES (1, 1, 50.0), (2, 1, 150.0), (3, 2, 10.0);
`
)
